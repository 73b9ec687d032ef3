package main

import (
	"github.com/pipedev/pipedev/internal/activity"
	"github.com/pipedev/pipedev/internal/executor"
	"github.com/pipedev/pipedev/internal/pipeline/engine"
	"github.com/pipedev/pipedev/internal/supervisor"
	"github.com/pipedev/pipedev/internal/task/service"
	"github.com/pipedev/pipedev/internal/task/store"
	"github.com/pipedev/pipedev/internal/worktree"

	pstore "github.com/pipedev/pipedev/internal/pipeline/store"
)

type Stores struct {
	Tasks     *store.Store
	Pipelines *pstore.Store
}

type Components struct {
	Recorder   *activity.Recorder
	Engine     *engine.Engine
	Executor   *executor.Executor
	Supervisor *supervisor.Supervisor
	Service    *service.Service
	Worktrees  *worktree.Manager
}
