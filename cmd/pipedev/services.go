package main

import (
	"github.com/pipedev/pipedev/internal/activity"
	"github.com/pipedev/pipedev/internal/agent/runner"
	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/db"
	"github.com/pipedev/pipedev/internal/events/bus"
	"github.com/pipedev/pipedev/internal/executor"
	"github.com/pipedev/pipedev/internal/gitops"
	"github.com/pipedev/pipedev/internal/notify"
	"github.com/pipedev/pipedev/internal/pipeline/engine"
	"github.com/pipedev/pipedev/internal/pipeline/guards"
	"github.com/pipedev/pipedev/internal/pipeline/hooks"
	"github.com/pipedev/pipedev/internal/supervisor"
	"github.com/pipedev/pipedev/internal/task/service"
)

// provideComponents wires the domain: activity recorder, pipeline engine
// with its guard and hook registries, worktree manager, agent executor,
// run supervisor and the facade the external surfaces call.
func provideComponents(cfg *config.Config, log *logger.Logger, pool *db.Pool, stores *Stores, eventBus bus.EventBus) (*Components, error) {
	recorder := activity.NewRecorder(stores.Tasks, eventBus, log)

	eng := engine.New(stores.Tasks, stores.Pipelines, recorder, eventBus, log)
	guards.RegisterAll(eng, stores.Pipelines)

	wtManager, err := provideWorktreeManager(cfg, pool, log)
	if err != nil {
		return nil, err
	}

	git := gitops.NewGit(log)
	var platform gitops.ScmPlatform
	if gitops.GHAvailable() {
		platform = gitops.NewGHPlatform()
	} else {
		log.Warn("gh CLI not found, PR creation and merging are disabled")
		platform = gitops.NewNoopPlatform()
	}

	notifier := notify.NewRouter(log)
	notifier.Register(notify.NewBusProvider(eventBus))
	if cfg.Notify.Command != "" {
		notifier.Register(notify.NewCommandProvider(cfg.Notify.Command))
	}

	agent := runner.NewSubprocessRunner(cfg.Agent.Command, cfg.Agent.Args, log)

	exec := executor.New(executor.Deps{
		Tasks:      stores.Tasks,
		Engine:     eng,
		Worktrees:  wtManager,
		Git:        git,
		Agent:      agent,
		Recorder:   recorder,
		Bus:        eventBus,
		Notifier:   notifier,
		Config:     cfg.Agent,
		BaseBranch: cfg.Worktree.BaseBranch,
		Logger:     log,
	})

	hookSet := hooks.New(hooks.Deps{
		Engine:     eng,
		Tasks:      stores.Tasks,
		Worktrees:  wtManager,
		Git:        git,
		Platform:   platform,
		Notifier:   notifier,
		Launcher:   exec,
		Recorder:   recorder,
		Bus:        eventBus,
		RepoPath:   cfg.Worktree.RepoPath,
		BaseBranch: cfg.Worktree.BaseBranch,
		Logger:     log,
	})
	hookSet.RegisterAll(eng)

	sup := supervisor.New(stores.Tasks, exec, recorder, cfg.Supervisor, cfg.Agent, log)

	svc := service.New(stores.Tasks, stores.Pipelines, eng, recorder, eventBus, log)
	svc.SetRunController(exec)
	svc.SetWorktreeCleanup(wtManager)

	return &Components{
		Recorder:   recorder,
		Engine:     eng,
		Executor:   exec,
		Supervisor: sup,
		Service:    svc,
		Worktrees:  wtManager,
	}, nil
}
