package service

import (
	"context"

	"github.com/pipedev/pipedev/internal/task/models"
)

// Detail reads for the task drill-down surfaces.

// Events returns a task's activity feed, newest first.
func (s *Service) Events(ctx context.Context, taskID string, limit, offset int) ([]*models.TaskEvent, error) {
	return s.tasks.ListEventsByTask(ctx, taskID, limit, offset)
}

// Artifacts returns a task's artifacts, newest first.
func (s *Service) Artifacts(ctx context.Context, taskID string) ([]*models.Artifact, error) {
	return s.tasks.ListArtifactsByTask(ctx, taskID)
}

// Phases returns a task's phases in position order.
func (s *Service) Phases(ctx context.Context, taskID string) ([]*models.Phase, error) {
	return s.tasks.ListPhases(ctx, taskID)
}

// ContextEntries returns a task's accumulated agent memory, oldest first.
func (s *Service) ContextEntries(ctx context.Context, taskID string) ([]*models.ContextEntry, error) {
	return s.tasks.ListContextEntriesByTask(ctx, taskID)
}

// AddContextEntry appends a memory entry surfaced in future agent prompts.
func (s *Service) AddContextEntry(ctx context.Context, taskID, runID, content string) (*models.ContextEntry, error) {
	if _, err := s.tasks.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	entry := &models.ContextEntry{
		TaskID:     taskID,
		AgentRunID: runID,
		Kind:       models.ContextKindNote,
		Content:    content,
	}
	if err := s.tasks.CreateContextEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
