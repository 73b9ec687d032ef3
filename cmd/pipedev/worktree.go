package main

import (
	"fmt"

	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/db"
	"github.com/pipedev/pipedev/internal/worktree"
)

func provideWorktreeManager(cfg *config.Config, pool *db.Pool, log *logger.Logger) (*worktree.Manager, error) {
	wtStore := worktree.NewStore(pool)
	manager, err := worktree.NewManager(worktree.Config{
		RepoPath:   cfg.Worktree.RepoPath,
		BasePath:   cfg.Worktree.BasePath,
		BaseBranch: cfg.Worktree.BaseBranch,
	}, wtStore, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize worktree manager: %w", err)
	}
	return manager, nil
}
