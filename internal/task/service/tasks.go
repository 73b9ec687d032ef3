package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/task/store"
)

// Task operations

// CreateTask creates a task bound to a pipeline. The task starts in the
// requested status, or the pipeline's first status when none is given.
func (s *Service) CreateTask(ctx context.Context, req *CreateTaskRequest) (*models.Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, ErrTitleRequired
	}
	if req.PipelineID == "" {
		return nil, ErrPipelineRequired
	}

	pipeline, err := s.pipelines.Get(ctx, req.PipelineID)
	if err != nil {
		return nil, err
	}

	status := req.Status
	if status == "" {
		status = pipeline.Statuses[0].Name
	} else if !pipeline.HasStatus(status) {
		return nil, fmt.Errorf("pipeline %q does not define status %q", pipeline.Name, status)
	}

	task := &models.Task{
		ProjectID:    req.ProjectID,
		PipelineID:   pipeline.ID,
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		Status:       status,
		Priority:     req.Priority,
		Tags:         req.Tags,
		ParentTaskID: req.ParentTaskID,
		Assignee:     req.Assignee,
		DependsOn:    req.DependsOn,
		Metadata:     req.Metadata,
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		s.logger.Error("failed to create task", zap.Error(err))
		return nil, err
	}

	s.recorder.Info(ctx, task.ID, models.CategorySystem,
		fmt.Sprintf("Task created in status %q", status),
		map[string]interface{}{"pipeline_id": pipeline.ID})
	s.publishTaskEvent(ctx, events.TaskCreated, task)
	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("pipeline_id", pipeline.ID),
		zap.String("title", task.Title))

	return task, nil
}

// GetTask retrieves a task by ID with its phases loaded.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	phases, err := s.tasks.ListPhases(ctx, id)
	if err != nil {
		s.logger.Error("failed to list task phases", zap.String("task_id", id), zap.Error(err))
	} else {
		task.Phases = phases
	}
	return task, nil
}

// ListTasks returns tasks matching the filter.
func (s *Service) ListTasks(ctx context.Context, f store.TaskFilter) ([]*models.Task, error) {
	return s.tasks.ListTasks(ctx, f)
}

// UpdateTask applies the non-nil fields of the request. Status is not
// touched here; it only moves through transitions.
func (s *Service) UpdateTask(ctx context.Context, id string, req *UpdateTaskRequest) (*models.Task, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.Tags != nil {
		task.Tags = req.Tags
	}
	if req.Assignee != nil {
		task.Assignee = *req.Assignee
	}
	if req.Plan != nil {
		task.Plan = *req.Plan
	}
	if req.DependsOn != nil {
		task.DependsOn = req.DependsOn
	}
	if req.Metadata != nil {
		task.Metadata = req.Metadata
	}

	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		s.logger.Error("failed to update task", zap.String("task_id", id), zap.Error(err))
		return nil, err
	}

	s.publishTaskEvent(ctx, events.TaskUpdated, task)
	return task, nil
}

// DeleteTask removes a task after stopping its live runs, expiring its
// prompts and deleting its worktree. Cleanup steps are tolerant; a task
// whose run already finished or whose worktree is already gone still
// deletes.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}

	if s.runs != nil {
		runs, err := s.tasks.ListRunsByTask(ctx, id)
		if err != nil {
			s.logger.Warn("failed to list runs for deletion", zap.String("task_id", id), zap.Error(err))
		}
		for _, run := range runs {
			if run.Status != models.RunStatusRunning {
				continue
			}
			if err := s.runs.Stop(run.ID); err != nil {
				s.logger.Debug("run not live during task deletion",
					zap.String("run_id", run.ID), zap.Error(err))
			}
		}
	}

	if _, err := s.tasks.ExpirePromptsByTask(ctx, id); err != nil {
		s.logger.Warn("failed to expire prompts for deleted task",
			zap.String("task_id", id), zap.Error(err))
	}

	if s.worktrees != nil {
		if err := s.worktrees.Delete(ctx, id); err != nil {
			s.logger.Warn("failed to delete worktree for deleted task",
				zap.String("task_id", id), zap.Error(err))
		}
	}

	if err := s.tasks.DeleteTask(ctx, id); err != nil {
		s.logger.Error("failed to delete task", zap.String("task_id", id), zap.Error(err))
		return err
	}

	s.publishTaskEvent(ctx, events.TaskDeleted, task)
	s.logger.Info("task deleted", zap.String("task_id", id))
	return nil
}

// UpdateSubtask sets one subtask's status by name. On multi-phase tasks the
// active phase's subtasks are the effective set, matching how agent runs
// reconcile them.
func (s *Service) UpdateSubtask(ctx context.Context, taskID, name string, status models.SubtaskStatus) (*models.Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var subtasks []models.Subtask
	phase := task.CurrentPhase()
	if len(task.Phases) >= 2 && phase != nil {
		subtasks = phase.Subtasks
	} else {
		phase = nil
		subtasks = task.Subtasks
	}

	idx := models.FindSubtask(subtasks, name)
	if idx < 0 {
		return nil, fmt.Errorf("subtask not found: %s", name)
	}
	subtasks[idx].Status = status

	if phase != nil {
		err = s.tasks.UpdatePhase(ctx, phase)
	} else {
		err = s.tasks.UpdateTaskSubtasks(ctx, taskID, subtasks)
	}
	if err != nil {
		s.logger.Error("failed to persist subtask update",
			zap.String("task_id", taskID), zap.String("subtask", name), zap.Error(err))
		return nil, err
	}

	s.publishTaskEvent(ctx, events.TaskUpdated, task)
	return task, nil
}
