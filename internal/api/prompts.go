package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/task/service"
)

// PromptHandlers serves agent questions waiting on a human. Answering one
// feeds the response back to the agent and may resume the task's pipeline;
// a second answer to the same prompt is a conflict.
type PromptHandlers struct {
	svc    *service.Service
	logger *logger.Logger
}

func NewPromptHandlers(svc *service.Service, log *logger.Logger) *PromptHandlers {
	return &PromptHandlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "api-prompts")),
	}
}

func RegisterPromptRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	h := NewPromptHandlers(svc, log)
	api := router.Group("/api/v1")
	api.GET("/tasks/:id/prompts", h.httpListPrompts)
	api.GET("/prompts/:id", h.httpGetPrompt)
	api.POST("/prompts/:id/answer", h.httpAnswerPrompt)
}

func (h *PromptHandlers) httpListPrompts(c *gin.Context) {
	prompts, err := h.svc.PendingPrompts(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "prompts not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts, "total": len(prompts)})
}

func (h *PromptHandlers) httpGetPrompt(c *gin.Context) {
	prompt, err := h.svc.GetPrompt(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "prompt not found")
		return
	}
	c.JSON(http.StatusOK, prompt)
}

type answerPromptRequest struct {
	Response map[string]interface{} `json:"response"`
}

func (h *PromptHandlers) httpAnswerPrompt(c *gin.Context) {
	var body answerPromptRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(body.Response) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "response is required"})
		return
	}
	prompt, err := h.svc.AnswerPrompt(c.Request.Context(), c.Param("id"), body.Response)
	if err != nil {
		handleError(c, h.logger, err, "prompt not found")
		return
	}
	c.JSON(http.StatusOK, prompt)
}
