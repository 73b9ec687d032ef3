package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/events"
	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
)

// Pipeline administration. Definitions are validated by the pipeline store;
// the facade adds the one rule the store cannot see: a pipeline with tasks
// bound to it cannot be deleted.

// Pipelines returns every pipeline definition.
func (s *Service) Pipelines(ctx context.Context) ([]*pmodels.Pipeline, error) {
	return s.pipelines.List(ctx)
}

// Pipeline retrieves one pipeline definition.
func (s *Service) Pipeline(ctx context.Context, id string) (*pmodels.Pipeline, error) {
	return s.pipelines.Get(ctx, id)
}

// CreatePipeline persists a new pipeline definition.
func (s *Service) CreatePipeline(ctx context.Context, p *pmodels.Pipeline) error {
	if err := s.pipelines.Create(ctx, p); err != nil {
		return err
	}
	s.publishEvent(ctx, events.PipelineCreated, events.PipelineCreated, map[string]interface{}{
		"pipeline_id": p.ID, "name": p.Name, "task_type": p.TaskType,
	})
	s.logger.Info("pipeline created", zap.String("pipeline_id", p.ID), zap.String("name", p.Name))
	return nil
}

// UpdatePipeline replaces a pipeline definition. In-flight tasks keep their
// current status; the edit shapes future transitions only.
func (s *Service) UpdatePipeline(ctx context.Context, p *pmodels.Pipeline) error {
	if err := s.pipelines.Update(ctx, p); err != nil {
		return err
	}
	s.publishEvent(ctx, events.PipelineUpdated, events.PipelineUpdated, map[string]interface{}{
		"pipeline_id": p.ID, "name": p.Name, "task_type": p.TaskType,
	})
	return nil
}

// DeletePipeline removes a pipeline definition with no tasks bound to it.
func (s *Service) DeletePipeline(ctx context.Context, id string) error {
	count, err := s.tasks.CountTasksByPipeline(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("pipeline %s has %d tasks bound to it", id, count)
	}
	if err := s.pipelines.Delete(ctx, id); err != nil {
		return err
	}
	s.publishEvent(ctx, events.PipelineDeleted, events.PipelineDeleted, map[string]interface{}{
		"pipeline_id": id,
	})
	return nil
}
