// Package main is the unified entry point for pipedev. The single binary
// runs the pipeline engine, the agent executor, the run supervisor, the
// embedded MCP server and the realtime gateway with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/httpmw"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/common/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting pipedev...")

	// 3. Tracing stays a no-op unless an OTLP endpoint is configured
	if cfg.Tracing.Enabled {
		tracing.Configure(cfg.Tracing.Endpoint)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = tracing.Shutdown(flushCtx)
	}()

	// 4. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Initialize event bus (in-memory unless NATS is configured)
	eventBus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}

	// 6. Storage: database pool, migrations, stores
	pool, stores, dbCleanup, err := provideStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}

	// 7. Core components: engine, hooks, executor, supervisor, facade
	comps, err := provideComponents(cfg, log, pool, stores, eventBus)
	if err != nil {
		log.Fatal("Failed to initialize components", zap.Error(err))
	}

	// 8. Seed pipelines: built-ins plus the optional definitions directory
	if err := seedPipelines(ctx, cfg, stores.Pipelines, log); err != nil {
		log.Fatal("Failed to seed pipelines", zap.Error(err))
	}

	// 9. WebSocket gateway
	gateway := provideGateway(ctx, eventBus, log)

	// 10. HTTP server (WebSocket + REST endpoints)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "api"))
	router.Use(httpmw.OtelTracing("api"))
	registerRoutes(router, gateway, comps.Service, log)

	// 11. Embedded MCP server for coding agents
	mcpEndpoint, mcpCleanup, err := provideMcpServer(ctx, cfg, comps.Service, log)
	if err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}
	if mcpEndpoint != "" {
		log.Info("MCP server ready", zap.String("sse_endpoint", mcpEndpoint))
	}

	// 12. Reconcile runs a previous process left behind, then start the
	// supervisor loop that reaps ghosts and timeouts from here on.
	if recovered := comps.Executor.RecoverOrphanedRuns(ctx); len(recovered) > 0 {
		log.Info("Recovered orphaned agent runs", zap.Int("count", len(recovered)))
	}
	comps.Supervisor.Start(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()

	// Cleanups run in reverse order: MCP server first (its tools call the
	// facade), then the event bus, then the database.
	cleanups := []func() error{dbCleanup, busCleanup}
	if mcpCleanup != nil {
		cleanups = append(cleanups, mcpCleanup)
	}
	runGracefulShutdown(server, comps, cleanups, log)
}
