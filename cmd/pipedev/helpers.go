package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/api"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/task/service"

	gateways "github.com/pipedev/pipedev/internal/gateway/websocket"
)

// registerRoutes sets up all HTTP and WebSocket routes on the given router.
func registerRoutes(router *gin.Engine, gateway *gateways.Gateway, svc *service.Service, log *logger.Logger) {
	gateway.SetupRoutes(router)

	api.RegisterTaskRoutes(router, svc, log)
	api.RegisterTransitionRoutes(router, svc, log)
	api.RegisterRunRoutes(router, svc, log)
	api.RegisterPromptRoutes(router, svc, log)
	api.RegisterPipelineRoutes(router, svc, log)
	log.Debug("Registered API handlers (HTTP + WebSocket)")

	// Health check (simple HTTP for load balancers/monitoring)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "pipedev",
			"mode":    "websocket+http",
		})
	})
}

// runGracefulShutdown stops the HTTP server, the supervisor and any live
// agent runs, then runs the cleanups in reverse registration order.
func runGracefulShutdown(server *http.Server, comps *Components, cleanups []func() error, log *logger.Logger) {
	log.Info("Shutting down pipedev...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	comps.Supervisor.Stop()

	// Live runs are detached from the serve context so a dropped client
	// never kills an agent; on shutdown they must be stopped explicitly,
	// and Wait lets the finalizers persist terminal state first.
	for _, runID := range comps.Executor.LiveRunIDs() {
		if err := comps.Executor.Stop(runID); err != nil {
			log.Error("Agent run stop error", zap.String("run_id", runID), zap.Error(err))
		}
	}
	comps.Executor.Wait()

	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			log.Error("Cleanup error", zap.Error(err))
		}
	}

	log.Info("pipedev stopped")
	_ = log.Sync()
}
