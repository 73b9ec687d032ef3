package main

import (
	"context"
	"fmt"

	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/pipeline/models"

	pstore "github.com/pipedev/pipedev/internal/pipeline/store"
)

// seedPipelines installs pipeline definitions on first start. Definitions
// from the configured directory come first so operator-supplied pipelines
// win over the built-ins for the same task type; rows already in the store
// always take precedence over both.
func seedPipelines(ctx context.Context, cfg *config.Config, pipelines *pstore.Store, log *logger.Logger) error {
	var candidates []*models.Pipeline

	if cfg.Pipelines.Dir != "" {
		loaded, err := pstore.LoadDefinitions(cfg.Pipelines.Dir)
		if err != nil {
			return fmt.Errorf("failed to load pipeline definitions: %w", err)
		}
		candidates = append(candidates, loaded...)
	}
	candidates = append(candidates, pstore.Defaults()...)

	if _, err := pstore.Seed(ctx, pipelines, candidates, log); err != nil {
		return err
	}
	return nil
}
