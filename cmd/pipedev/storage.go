package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/db"
	"github.com/pipedev/pipedev/internal/persistence"
	"github.com/pipedev/pipedev/internal/task/store"

	pstore "github.com/pipedev/pipedev/internal/pipeline/store"
)

// provideStorage opens the configured database, applies pending migrations
// and builds the stores on top of the shared pool.
func provideStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (*db.Pool, *Stores, func() error, error) {
	pool, cleanup, err := persistence.Provide(&cfg.Database, log)
	if err != nil {
		return nil, nil, nil, err
	}

	applied, err := persistence.Migrate(ctx, pool, persistence.All, log)
	if err != nil {
		_ = cleanup()
		return nil, nil, nil, err
	}
	if applied > 0 {
		log.Info("Applied database migrations", zap.Int("count", applied))
	}

	stores := &Stores{
		Tasks:     store.New(pool),
		Pipelines: pstore.New(pool),
	}
	return pool, stores, cleanup, nil
}
