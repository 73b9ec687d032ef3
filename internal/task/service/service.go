// Package service is the orchestration facade the external surfaces (HTTP
// API, MCP tools, websocket gateway) call into. It owns task CRUD, delegates
// status changes to the pipeline engine, relays run control to the executor
// and resolves pending prompts back into waiting agents.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/activity"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/events/bus"
	"github.com/pipedev/pipedev/internal/pipeline/engine"
	pstore "github.com/pipedev/pipedev/internal/pipeline/store"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/task/store"
)

// RunController is the slice of the executor the facade drives. It is
// setter-injected because the executor is constructed later in the wiring
// order; a facade without one still serves everything except run control.
type RunController interface {
	Execute(ctx context.Context, taskID, mode, agentType string) (*models.AgentRun, error)
	Stop(runID string) error
	QueueMessage(ctx context.Context, taskID, text string)
}

// WorktreeCleanup removes a task's worktree when the task is deleted.
type WorktreeCleanup interface {
	Delete(ctx context.Context, taskID string) error
}

var (
	ErrTitleRequired    = errors.New("task title is required")
	ErrPipelineRequired = errors.New("task pipeline is required")
	ErrNoRunController  = errors.New("no run controller wired")
)

// Service provides the workflow orchestration API.
type Service struct {
	tasks     *store.Store
	pipelines *pstore.Store
	engine    *engine.Engine
	recorder  *activity.Recorder
	eventBus  bus.EventBus
	logger    *logger.Logger

	runs      RunController
	worktrees WorktreeCleanup
}

// New creates the facade. Run control and worktree cleanup are wired later
// via the setters; both are optional.
func New(tasks *store.Store, pipelines *pstore.Store, eng *engine.Engine, recorder *activity.Recorder, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		tasks:     tasks,
		pipelines: pipelines,
		engine:    eng,
		recorder:  recorder,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "task-service")),
	}
}

// SetRunController wires the executor.
func (s *Service) SetRunController(rc RunController) {
	s.runs = rc
}

// SetWorktreeCleanup wires worktree removal for task deletion.
func (s *Service) SetWorktreeCleanup(cleanup WorktreeCleanup) {
	s.worktrees = cleanup
}

// publishTaskEvent publishes task lifecycle events to the event bus.
func (s *Service) publishTaskEvent(ctx context.Context, eventType string, task *models.Task) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"task_id":     task.ID,
		"pipeline_id": task.PipelineID,
		"title":       task.Title,
		"status":      task.Status,
		"priority":    task.Priority,
		"created_at":  task.CreatedAt.Format(time.RFC3339),
		"updated_at":  task.UpdatedAt.Format(time.RFC3339),
	}
	if task.ParentTaskID != "" {
		data["parent_task_id"] = task.ParentTaskID
	}
	if task.Assignee != "" {
		data["assignee"] = task.Assignee
	}
	if task.Metadata != nil {
		data["metadata"] = task.Metadata
	}

	event := bus.NewEvent(eventType, "task-service", data)
	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Error("failed to publish task event",
			zap.String("event_type", eventType),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// publishEvent publishes a non-task-shaped event to the event bus.
func (s *Service) publishEvent(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "task-service", data)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
