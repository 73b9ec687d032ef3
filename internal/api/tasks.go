// Package api exposes the orchestrator over HTTP. Handlers are thin: they
// bind the request, delegate to the workflow facade and serialize whatever
// comes back. Domain failures of the pipeline engine (guard blocks, missing
// arcs) travel inside the response body, not as HTTP errors.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/task/service"
	"github.com/pipedev/pipedev/internal/task/store"
)

type TaskHandlers struct {
	svc    *service.Service
	logger *logger.Logger
}

func NewTaskHandlers(svc *service.Service, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "api-tasks")),
	}
}

func RegisterTaskRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	h := NewTaskHandlers(svc, log)
	api := router.Group("/api/v1")
	api.POST("/tasks", h.httpCreateTask)
	api.GET("/tasks", h.httpListTasks)
	api.GET("/tasks/:id", h.httpGetTask)
	api.PATCH("/tasks/:id", h.httpUpdateTask)
	api.DELETE("/tasks/:id", h.httpDeleteTask)
	api.PUT("/tasks/:id/subtasks", h.httpUpdateSubtask)
	api.GET("/tasks/:id/events", h.httpListEvents)
	api.GET("/tasks/:id/artifacts", h.httpListArtifacts)
	api.GET("/tasks/:id/phases", h.httpListPhases)
	api.GET("/tasks/:id/context", h.httpListContext)
	api.POST("/tasks/:id/context", h.httpAddContext)
}

type listTasksResponse struct {
	Tasks []*models.Task `json:"tasks"`
	Total int            `json:"total"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (h *TaskHandlers) httpCreateTask(c *gin.Context) {
	var body service.CreateTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	task, err := h.svc.CreateTask(c.Request.Context(), &body)
	if err != nil {
		handleError(c, h.logger, err, "task not created")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandlers) httpListTasks(c *gin.Context) {
	filter := store.TaskFilter{
		Status:       c.Query("status"),
		PipelineID:   c.Query("pipeline_id"),
		ParentTaskID: c.Query("parent_task_id"),
		Search:       c.Query("search"),
		Limit:        queryInt(c, "limit", 0),
		Offset:       queryInt(c, "offset", 0),
	}
	tasks, err := h.svc.ListTasks(c.Request.Context(), filter)
	if err != nil {
		handleError(c, h.logger, err, "tasks not found")
		return
	}
	c.JSON(http.StatusOK, listTasksResponse{Tasks: tasks, Total: len(tasks)})
}

func (h *TaskHandlers) httpGetTask(c *gin.Context) {
	task, err := h.svc.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandlers) httpUpdateTask(c *gin.Context) {
	var body service.UpdateTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	task, err := h.svc.UpdateTask(c.Request.Context(), c.Param("id"), &body)
	if err != nil {
		handleError(c, h.logger, err, "task not updated")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandlers) httpDeleteTask(c *gin.Context) {
	if err := h.svc.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, h.logger, err, "task not deleted")
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true})
}

type updateSubtaskRequest struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (h *TaskHandlers) httpUpdateSubtask(c *gin.Context) {
	var body updateSubtaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	switch models.SubtaskStatus(body.Status) {
	case models.SubtaskStatusOpen, models.SubtaskStatusInProgress, models.SubtaskStatusDone:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be open, in_progress or done"})
		return
	}
	task, err := h.svc.UpdateSubtask(c.Request.Context(), c.Param("id"), body.Name, models.SubtaskStatus(body.Status))
	if err != nil {
		handleError(c, h.logger, err, "subtask not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandlers) httpListEvents(c *gin.Context) {
	events, err := h.svc.Events(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 100), queryInt(c, "offset", 0))
	if err != nil {
		handleError(c, h.logger, err, "events not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

func (h *TaskHandlers) httpListArtifacts(c *gin.Context) {
	artifacts, err := h.svc.Artifacts(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "artifacts not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts, "total": len(artifacts)})
}

func (h *TaskHandlers) httpListPhases(c *gin.Context) {
	phases, err := h.svc.Phases(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "phases not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"phases": phases, "total": len(phases)})
}

func (h *TaskHandlers) httpListContext(c *gin.Context) {
	entries, err := h.svc.ContextEntries(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err, "context entries not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

type addContextRequest struct {
	AgentRunID string `json:"agent_run_id,omitempty"`
	Content    string `json:"content"`
}

func (h *TaskHandlers) httpAddContext(c *gin.Context) {
	var body addContextRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	entry, err := h.svc.AddContextEntry(c.Request.Context(), c.Param("id"), body.AgentRunID, body.Content)
	if err != nil {
		handleError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, entry)
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}
