// Package guards implements the built-in transition guards. Guards run
// inside the transaction that commits the status change, so reads here
// observe a consistent snapshot. A guard that cannot answer denies with
// the failure as its reason; transitions never advance on a broken read.
package guards

import (
	"context"
	"fmt"

	"github.com/pipedev/pipedev/internal/pipeline/engine"
	"github.com/pipedev/pipedev/internal/task/models"

	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
)

// RegisterAll installs the built-in guards under the names pipeline
// definitions reference them by.
func RegisterAll(e *engine.Engine, pipelines engine.PipelineSource) {
	e.RegisterGuard("has_pr", HasPR)
	e.RegisterGuard("dependencies_resolved", DependenciesResolved(pipelines))
	e.RegisterGuard("no_running_agent", NoRunningAgent)
	e.RegisterGuard("max_retries", MaxRetries)
	e.RegisterGuard("has_pending_phases", HasPendingPhases)
}

// HasPR denies until the task carries a PR link.
func HasPR(_ context.Context, task *models.Task, _ *pmodels.Transition, _ engine.TransitionContext, _ engine.GuardStore, _ map[string]interface{}) engine.GuardResult {
	if task.PRLink == "" {
		return engine.Deny("Task must have a PR link")
	}
	return engine.Allow()
}

// DependenciesResolved denies while any task in DependsOn is missing or has
// not reached a final status of its own pipeline.
func DependenciesResolved(pipelines engine.PipelineSource) engine.GuardFunc {
	return func(ctx context.Context, task *models.Task, _ *pmodels.Transition, _ engine.TransitionContext, store engine.GuardStore, _ map[string]interface{}) engine.GuardResult {
		if len(task.DependsOn) == 0 {
			return engine.Allow()
		}
		deps, err := store.GetTasksByIDs(ctx, task.DependsOn)
		if err != nil {
			return engine.Deny(fmt.Sprintf("dependency lookup failed: %v", err))
		}
		if missing := len(task.DependsOn) - len(deps); missing > 0 {
			return engine.Deny(fmt.Sprintf("%d dependency task(s) missing", missing))
		}

		cache := map[string]*pmodels.Pipeline{}
		unfinished := 0
		for _, dep := range deps {
			p, ok := cache[dep.PipelineID]
			if !ok {
				p, err = pipelines.Get(ctx, dep.PipelineID)
				if err != nil {
					return engine.Deny(fmt.Sprintf("dependency pipeline lookup failed: %v", err))
				}
				cache[dep.PipelineID] = p
			}
			if !p.IsFinal(dep.Status) {
				unfinished++
			}
		}
		if unfinished > 0 {
			return engine.Deny(fmt.Sprintf("%d dependency task(s) not finished", unfinished))
		}
		return engine.Allow()
	}
}

// NoRunningAgent denies while the task has a live agent run.
func NoRunningAgent(ctx context.Context, task *models.Task, _ *pmodels.Transition, _ engine.TransitionContext, store engine.GuardStore, _ map[string]interface{}) engine.GuardResult {
	count, err := store.CountRunningRuns(ctx, task.ID)
	if err != nil {
		return engine.Deny(fmt.Sprintf("run lookup failed: %v", err))
	}
	if count > 0 {
		return engine.Deny("An agent is already running for this task")
	}
	return engine.Allow()
}

// MaxRetries denies once the task's failed run outcomes exceed the "max"
// param (default 3). At exactly max the retry still goes through; the guard
// closes the door on the attempt after that.
func MaxRetries(ctx context.Context, task *models.Task, _ *pmodels.Transition, _ engine.TransitionContext, store engine.GuardStore, params map[string]interface{}) engine.GuardResult {
	limit := intParam(params, "max", 3)
	count, err := store.CountFailedRunOutcomes(ctx, task.ID)
	if err != nil {
		return engine.Deny(fmt.Sprintf("run lookup failed: %v", err))
	}
	if count > limit {
		return engine.Deny(fmt.Sprintf("Retry limit reached: %d failed runs (max %d)", count, limit))
	}
	return engine.Allow()
}

// HasPendingPhases denies unless at least one phase is still pending.
func HasPendingPhases(ctx context.Context, task *models.Task, _ *pmodels.Transition, _ engine.TransitionContext, store engine.GuardStore, _ map[string]interface{}) engine.GuardResult {
	phases, err := store.ListPhases(ctx, task.ID)
	if err != nil {
		return engine.Deny(fmt.Sprintf("phase lookup failed: %v", err))
	}
	if len(phases) == 0 {
		return engine.Deny("Task has no phases")
	}
	for _, p := range phases {
		if p.Status == models.PhaseStatusPending {
			return engine.Allow()
		}
	}
	return engine.Deny("No pending phases remain")
}

// intParam reads an integer guard param. YAML definitions decode numbers as
// int, JSON ones as float64; both are accepted.
func intParam(params map[string]interface{}, key string, def int) int {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
