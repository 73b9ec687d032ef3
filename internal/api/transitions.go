package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
	"github.com/pipedev/pipedev/internal/task/service"
)

// TransitionHandlers moves tasks through their pipelines. The engine
// reports guard blocks, missing arcs and hook failures inside the result
// body with HTTP 200; only infrastructure problems map to error statuses.
type TransitionHandlers struct {
	svc    *service.Service
	logger *logger.Logger
}

func NewTransitionHandlers(svc *service.Service, log *logger.Logger) *TransitionHandlers {
	return &TransitionHandlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "api-transitions")),
	}
}

func RegisterTransitionRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	h := NewTransitionHandlers(svc, log)
	api := router.Group("/api/v1")
	api.POST("/tasks/:id/transition", h.httpExecuteTransition)
	api.POST("/tasks/:id/force-transition", h.httpForceTransition)
	api.POST("/tasks/:id/outcome", h.httpExecuteOutcome)
	api.GET("/tasks/:id/guards", h.httpCheckGuards)
	api.GET("/tasks/:id/transitions", h.httpListTransitions)
	api.GET("/tasks/:id/history", h.httpTransitionHistory)
	api.POST("/tasks/:id/hooks/retry", h.httpRetryHook)
}

func (h *TransitionHandlers) httpExecuteTransition(c *gin.Context) {
	var body service.TransitionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.ToStatus == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to_status is required"})
		return
	}
	result, err := h.svc.ExecuteTransition(c.Request.Context(), c.Param("id"), &body)
	if err != nil {
		handleError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *TransitionHandlers) httpForceTransition(c *gin.Context) {
	var body service.TransitionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.ToStatus == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to_status is required"})
		return
	}
	result, err := h.svc.ForceTransition(c.Request.Context(), c.Param("id"), &body)
	if err != nil {
		handleError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *TransitionHandlers) httpExecuteOutcome(c *gin.Context) {
	var body service.OutcomeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Outcome == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome is required"})
		return
	}
	result, err := h.svc.ExecuteOutcome(c.Request.Context(), c.Param("id"), &body)
	if err != nil {
		handleError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *TransitionHandlers) httpCheckGuards(c *gin.Context) {
	toStatus := c.Query("to_status")
	if toStatus == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to_status is required"})
		return
	}
	trigger, ok := parseTrigger(c.Query("trigger"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trigger must be manual, agent or system"})
		return
	}
	result, err := h.svc.CheckGuards(c.Request.Context(), c.Param("id"), toStatus, trigger)
	if err != nil {
		handleError(c, h.logger, err, "task not found")
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no matching transition"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *TransitionHandlers) httpListTransitions(c *gin.Context) {
	grouped, err := h.svc.AllTransitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": grouped})
}

func (h *TransitionHandlers) httpTransitionHistory(c *gin.Context) {
	history, err := h.svc.TransitionHistory(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		handleError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "total": len(history)})
}

func (h *TransitionHandlers) httpRetryHook(c *gin.Context) {
	var body service.RetryHookRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Hook == "" || body.From == "" || body.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hook, from and to are required"})
		return
	}
	result, err := h.svc.RetryHook(c.Request.Context(), c.Param("id"), &body)
	if err != nil {
		handleError(c, h.logger, err, "no matching transition")
		return
	}
	c.JSON(http.StatusOK, result)
}

// parseTrigger maps the trigger query parameter, defaulting to manual.
func parseTrigger(raw string) (pmodels.Trigger, bool) {
	switch pmodels.Trigger(raw) {
	case pmodels.TriggerManual, pmodels.TriggerAgent, pmodels.TriggerSystem:
		return pmodels.Trigger(raw), true
	case "":
		return pmodels.TriggerManual, true
	default:
		return "", false
	}
}
