package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/task/service"
)

type RunHandlers struct {
	svc    *service.Service
	logger *logger.Logger
}

func NewRunHandlers(svc *service.Service, log *logger.Logger) *RunHandlers {
	return &RunHandlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "api-runs")),
	}
}

func RegisterRunRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	h := NewRunHandlers(svc, log)
	api := router.Group("/api/v1")
	api.POST("/tasks/:id/runs", h.httpStartRun)
	api.GET("/tasks/:id/runs", h.httpListRuns)
	api.POST("/tasks/:id/messages", h.httpQueueMessage)
	api.GET("/runs/:id", h.httpGetRun)
	api.POST("/runs/:id/stop", h.httpStopRun)
}

func (h *RunHandlers) httpStartRun(c *gin.Context) {
	var body service.StartRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	run, err := h.svc.StartRun(c.Request.Context(), c.Param("id"), &body)
	if err != nil {
		handleError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *RunHandlers) httpListRuns(c *gin.Context) {
	runs, err := h.svc.ListRuns(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "runs not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

type queueMessageRequest struct {
	Text string `json:"text"`
}

func (h *RunHandlers) httpQueueMessage(c *gin.Context) {
	var body queueMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	if err := h.svc.QueueMessage(c.Request.Context(), c.Param("id"), body.Text); err != nil {
		handleError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true})
}

func (h *RunHandlers) httpGetRun(c *gin.Context) {
	run, err := h.svc.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "run not found")
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *RunHandlers) httpStopRun(c *gin.Context) {
	if err := h.svc.StopRun(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, h.logger, err, "run not found")
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true})
}
