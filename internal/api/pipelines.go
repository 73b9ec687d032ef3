package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
	"github.com/pipedev/pipedev/internal/task/service"
)

type PipelineHandlers struct {
	svc    *service.Service
	logger *logger.Logger
}

func NewPipelineHandlers(svc *service.Service, log *logger.Logger) *PipelineHandlers {
	return &PipelineHandlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "api-pipelines")),
	}
}

func RegisterPipelineRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	h := NewPipelineHandlers(svc, log)
	api := router.Group("/api/v1")
	api.GET("/pipelines", h.httpListPipelines)
	api.POST("/pipelines", h.httpCreatePipeline)
	api.GET("/pipelines/:id", h.httpGetPipeline)
	api.PUT("/pipelines/:id", h.httpUpdatePipeline)
	api.DELETE("/pipelines/:id", h.httpDeletePipeline)
}

func (h *PipelineHandlers) httpListPipelines(c *gin.Context) {
	pipelines, err := h.svc.Pipelines(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, err, "pipelines not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": pipelines, "total": len(pipelines)})
}

func (h *PipelineHandlers) httpCreatePipeline(c *gin.Context) {
	var body pmodels.Pipeline
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.svc.CreatePipeline(c.Request.Context(), &body); err != nil {
		handleError(c, h.logger, err, "pipeline not created")
		return
	}
	c.JSON(http.StatusOK, &body)
}

func (h *PipelineHandlers) httpGetPipeline(c *gin.Context) {
	pipeline, err := h.svc.Pipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "pipeline not found")
		return
	}
	c.JSON(http.StatusOK, pipeline)
}

func (h *PipelineHandlers) httpUpdatePipeline(c *gin.Context) {
	var body pmodels.Pipeline
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	body.ID = c.Param("id")
	if err := h.svc.UpdatePipeline(c.Request.Context(), &body); err != nil {
		handleError(c, h.logger, err, "pipeline not found")
		return
	}
	c.JSON(http.StatusOK, &body)
}

func (h *PipelineHandlers) httpDeletePipeline(c *gin.Context) {
	if err := h.svc.DeletePipeline(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, h.logger, err, "pipeline not found")
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true})
}
