// Package engine evaluates pipeline transitions. Guards run inside the
// writer transaction that commits the status flip and its audit row; hooks
// run after the commit under their declared policies, with required-hook
// failures compensated by restoring the prior status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/activity"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/events/bus"
	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/task/store"
)

// PipelineSource resolves the pipeline a task is bound to.
type PipelineSource interface {
	Get(ctx context.Context, id string) (*pmodels.Pipeline, error)
}

// Engine drives tasks through their pipeline state machines.
type Engine struct {
	tasks     *store.Store
	pipelines PipelineSource
	recorder  *activity.Recorder
	eventBus  bus.EventBus
	logger    *logger.Logger

	mu     sync.RWMutex
	guards map[string]GuardFunc
	hooks  map[string]HookFunc
}

// New creates an engine. The bus may be nil; status changes are then only
// recorded in the activity feed, not published.
func New(tasks *store.Store, pipelines PipelineSource, recorder *activity.Recorder, eventBus bus.EventBus, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		tasks:     tasks,
		pipelines: pipelines,
		recorder:  recorder,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "pipeline-engine")),
		guards:    make(map[string]GuardFunc),
		hooks:     make(map[string]HookFunc),
	}
}

// RegisterGuard binds a guard name. Registering a name twice keeps the last.
func (e *Engine) RegisterGuard(name string, fn GuardFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guards[name] = fn
}

// RegisterHook binds a hook name. Registering a name twice keeps the last.
func (e *Engine) RegisterHook(name string, fn HookFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[name] = fn
}

func (e *Engine) guardFn(name string) (GuardFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.guards[name]
	return fn, ok
}

func (e *Engine) hookFn(name string) (HookFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.hooks[name]
	return fn, ok
}

// ValidTransitions returns the transitions leaving the task's current
// status, filtered by trigger when one is given.
func (e *Engine) ValidTransitions(ctx context.Context, task *models.Task, trigger pmodels.Trigger) ([]pmodels.Transition, error) {
	pipeline, err := e.pipelines.Get(ctx, task.PipelineID)
	if err != nil {
		return nil, err
	}
	var result []pmodels.Transition
	for _, t := range pipeline.Transitions {
		if t.From != task.Status && t.From != pmodels.StatusAny {
			continue
		}
		if trigger != "" && t.Trigger != trigger {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

// AllTransitions groups the task's valid transitions by trigger.
func (e *Engine) AllTransitions(ctx context.Context, task *models.Task) (map[pmodels.Trigger][]pmodels.Transition, error) {
	all, err := e.ValidTransitions(ctx, task, "")
	if err != nil {
		return nil, err
	}
	grouped := make(map[pmodels.Trigger][]pmodels.Transition, 3)
	for _, t := range all {
		grouped[t.Trigger] = append(grouped[t.Trigger], t)
	}
	return grouped, nil
}

// AgentTransitionFor finds the agent-trigger transition the outcome routes
// to from the task's current status, or nil when the pipeline does not wire
// that outcome.
func (e *Engine) AgentTransitionFor(ctx context.Context, task *models.Task, outcome string) (*pmodels.Transition, error) {
	pipeline, err := e.pipelines.Get(ctx, task.PipelineID)
	if err != nil {
		return nil, err
	}
	var wildcard *pmodels.Transition
	for i := range pipeline.Transitions {
		t := &pipeline.Transitions[i]
		if t.Trigger != pmodels.TriggerAgent || t.AgentOutcome != outcome {
			continue
		}
		switch t.From {
		case task.Status:
			return t, nil
		case pmodels.StatusAny:
			if wildcard == nil {
				wildcard = t
			}
		}
	}
	return wildcard, nil
}

// CheckGuards dry-runs the guards of the matching transition. Nothing is
// mutated; the transaction only pins a consistent read. A nil result means
// no transition matches.
func (e *Engine) CheckGuards(ctx context.Context, task *models.Task, toStatus string, trigger pmodels.Trigger) (*GuardCheckResult, error) {
	pipeline, err := e.pipelines.Get(ctx, task.PipelineID)
	if err != nil {
		return nil, err
	}
	transition := FindTransition(pipeline, task.Status, toStatus, trigger, "")
	if transition == nil {
		return nil, nil
	}

	tx, err := e.tasks.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	fresh, err := tx.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	tc := TransitionContext{Trigger: trigger}
	result := &GuardCheckResult{Allowed: true}
	for _, ref := range transition.Guards {
		verdict := e.evalGuard(ctx, ref, fresh, transition, tc, tx)
		result.Guards = append(result.Guards, GuardEvaluation{Guard: ref.Name, Allowed: verdict.Allowed, Reason: verdict.Reason})
		if !verdict.Allowed {
			result.Allowed = false
		}
	}
	return result, nil
}

// ExecuteTransition moves the task to toStatus through the matching
// transition. Guards run inside the commit transaction; hooks after it.
func (e *Engine) ExecuteTransition(ctx context.Context, task *models.Task, toStatus string, tc TransitionContext) (*TransitionResult, error) {
	pipeline, err := e.pipelines.Get(ctx, task.PipelineID)
	if err != nil {
		return nil, err
	}
	if tc.Trigger == "" {
		tc.Trigger = pmodels.TriggerManual
	}
	transition := FindTransition(pipeline, task.Status, toStatus, tc.Trigger, tc.Outcome())
	if transition == nil {
		return &TransitionResult{
			Success: false,
			Error:   fmt.Sprintf("no %s transition from %q to %q", tc.Trigger, task.Status, toStatus),
		}, nil
	}
	return e.execute(ctx, pipeline, task, transition, toStatus, tc, false)
}

// ExecuteForceTransition moves the task to toStatus without evaluating
// guards. The target status must exist in the pipeline; when an arc
// matches, its hooks still run.
func (e *Engine) ExecuteForceTransition(ctx context.Context, task *models.Task, toStatus string, tc TransitionContext) (*TransitionResult, error) {
	pipeline, err := e.pipelines.Get(ctx, task.PipelineID)
	if err != nil {
		return nil, err
	}
	if !pipeline.HasStatus(toStatus) {
		return &TransitionResult{
			Success: false,
			Error:   fmt.Sprintf("pipeline %q does not define status %q", pipeline.Name, toStatus),
		}, nil
	}
	if tc.Trigger == "" {
		tc.Trigger = pmodels.TriggerManual
	}
	transition := FindTransition(pipeline, task.Status, toStatus, tc.Trigger, tc.Outcome())
	return e.execute(ctx, pipeline, task, transition, toStatus, tc, true)
}

// ExecuteAgentOutcome routes an agent outcome through the pipeline: it
// resolves the agent-trigger transition for (status, outcome) and executes
// it with the outcome data in the transition context.
func (e *Engine) ExecuteAgentOutcome(ctx context.Context, task *models.Task, outcome string, data map[string]interface{}) (*TransitionResult, error) {
	transition, err := e.AgentTransitionFor(ctx, task, outcome)
	if err != nil {
		return nil, err
	}
	if transition == nil {
		return &TransitionResult{
			Success: false,
			Error:   fmt.Sprintf("no agent transition from %q for outcome %q", task.Status, outcome),
		}, nil
	}
	merged := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		merged[k] = v
	}
	merged["outcome"] = outcome
	return e.ExecuteTransition(ctx, task, transition.To, TransitionContext{Trigger: pmodels.TriggerAgent, Data: merged})
}

// RetryHook re-runs a single hook from a transition out-of-band. The task's
// status is not touched; the caller owns any compensation.
func (e *Engine) RetryHook(ctx context.Context, task *models.Task, hookName string, transition *pmodels.Transition, tc TransitionContext) (*HookRetryResult, error) {
	var ref *pmodels.HookRef
	for i := range transition.Hooks {
		if transition.Hooks[i].Name == hookName {
			ref = &transition.Hooks[i]
			break
		}
	}
	if ref == nil {
		return &HookRetryResult{Hook: hookName, Success: false, Error: fmt.Sprintf("transition has no hook %q", hookName)}, nil
	}
	fn, ok := e.hookFn(hookName)
	if !ok {
		return &HookRetryResult{Hook: hookName, Success: false, Error: "unregistered"}, nil
	}

	if err := fn(ctx, task, transition, tc, ref.Params); err != nil {
		e.recorder.Warning(ctx, task.ID, models.CategoryHook,
			fmt.Sprintf("hook %q retry failed: %v", hookName, err),
			map[string]interface{}{"hook": hookName})
		return &HookRetryResult{Hook: hookName, Success: false, Error: err.Error()}, nil
	}
	e.recorder.Info(ctx, task.ID, models.CategoryHook,
		fmt.Sprintf("hook %q retried successfully", hookName),
		map[string]interface{}{"hook": hookName})
	return &HookRetryResult{Hook: hookName, Success: true}, nil
}

// FindTransition selects the arc for (from, to, trigger). An exact from
// match beats the wildcard. For agent triggers a non-empty outcome
// discriminates between arcs sharing the same endpoints; transitions that
// declare no outcome accept any.
func FindTransition(p *pmodels.Pipeline, from, to string, trigger pmodels.Trigger, outcome string) *pmodels.Transition {
	var wildcard *pmodels.Transition
	for i := range p.Transitions {
		t := &p.Transitions[i]
		if t.To != to || t.Trigger != trigger {
			continue
		}
		if trigger == pmodels.TriggerAgent && outcome != "" && t.AgentOutcome != "" && t.AgentOutcome != outcome {
			continue
		}
		switch t.From {
		case from:
			return t
		case pmodels.StatusAny:
			if wildcard == nil {
				wildcard = t
			}
		}
	}
	return wildcard
}

// execute runs the shared transition algorithm. transition is nil only on
// the forced path when no arc matches; the status still moves, audited as
// forced, with no guards or hooks.
func (e *Engine) execute(ctx context.Context, pipeline *pmodels.Pipeline, task *models.Task, transition *pmodels.Transition, toStatus string, tc TransitionContext, forced bool) (*TransitionResult, error) {
	fromStatus := task.Status

	tx, err := e.tasks.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	fresh, err := tx.GetTask(ctx, task.ID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return &TransitionResult{Success: false, Error: err.Error()}, nil
		}
		return nil, err
	}
	if fresh.Status != fromStatus {
		return &TransitionResult{
			Success: false,
			Error:   fmt.Sprintf("task %s moved from %q to %q while the transition was evaluated", task.ID, fromStatus, fresh.Status),
		}, nil
	}

	guardResults := map[string]interface{}{}
	var guardFailures []GuardFailure
	if !forced && transition != nil {
		for _, ref := range transition.Guards {
			verdict := e.evalGuard(ctx, ref, fresh, transition, tc, tx)
			guardResults[ref.Name] = map[string]interface{}{"allowed": verdict.Allowed, "reason": verdict.Reason}
			if !verdict.Allowed {
				guardFailures = append(guardFailures, GuardFailure{Guard: ref.Name, Reason: verdict.Reason})
			}
		}
	}

	if len(guardFailures) > 0 {
		// Nothing was written; the commit just releases the read.
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		e.recorder.Warning(ctx, task.ID, models.CategoryGuard,
			fmt.Sprintf("transition %s → %s blocked by %d guard(s)", fromStatus, toStatus, len(guardFailures)),
			map[string]interface{}{"failures": guardFailureData(guardFailures)})
		return &TransitionResult{Success: false, GuardFailures: guardFailures}, nil
	}

	if err := tx.UpdateTaskStatus(ctx, task.ID, fromStatus, toStatus); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return &TransitionResult{Success: false, Error: err.Error()}, nil
		}
		return nil, err
	}
	if err := tx.AppendTransition(ctx, &models.TransitionRecord{
		TaskID:       task.ID,
		PipelineID:   pipeline.ID,
		FromStatus:   fromStatus,
		ToStatus:     toStatus,
		Trigger:      string(tc.Trigger),
		Actor:        tc.Actor,
		Forced:       forced,
		GuardResults: guardResults,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	fresh.Status = toStatus
	tc = withStatusData(tc, fromStatus, toStatus)

	var hookFailures []HookFailure
	requiredFailed := false
	if transition != nil {
		hookFailures, requiredFailed = e.runHooks(ctx, fresh, transition, tc)
	}

	if requiredFailed {
		if err := e.tasks.UpdateTaskStatus(ctx, task.ID, fromStatus); err != nil {
			e.logger.Error("failed to restore status after required hook failure",
				zap.String("task_id", task.ID),
				zap.String("status", fromStatus),
				zap.Error(err))
		}
		summary := requiredFailureSummary(hookFailures)
		e.recorder.Error(ctx, task.ID, models.CategoryHook,
			fmt.Sprintf("transition %s → %s rolled back: %s", fromStatus, toStatus, summary),
			map[string]interface{}{"failures": hookFailureData(hookFailures)})
		return &TransitionResult{Success: false, Error: summary, HookFailures: hookFailures}, nil
	}

	e.recorder.Info(ctx, task.ID, models.CategoryTransition,
		fmt.Sprintf("status changed: %s → %s", fromStatus, toStatus),
		map[string]interface{}{"from": fromStatus, "to": toStatus, "trigger": string(tc.Trigger), "actor": tc.Actor})
	e.publishStatusChange(ctx, task.ID, fromStatus, toStatus, tc)

	updated, err := e.tasks.GetTask(ctx, task.ID)
	if err != nil {
		updated = fresh
	}
	return &TransitionResult{Success: true, Task: updated, HookFailures: hookFailures}, nil
}

// evalGuard runs one guard. Unknown names fail closed.
func (e *Engine) evalGuard(ctx context.Context, ref pmodels.GuardRef, task *models.Task, transition *pmodels.Transition, tc TransitionContext, gs GuardStore) GuardResult {
	fn, ok := e.guardFn(ref.Name)
	if !ok {
		return Deny("unregistered")
	}
	return fn(ctx, task, transition, tc, gs, ref.Params)
}

// runHooks executes the transition's hooks in declared order. A required
// failure stops the chain and flags rollback; best-effort failures are
// recorded and skipped past; fire-and-forget hooks run detached.
func (e *Engine) runHooks(ctx context.Context, task *models.Task, transition *pmodels.Transition, tc TransitionContext) ([]HookFailure, bool) {
	var failures []HookFailure
	for _, ref := range transition.Hooks {
		policy := ref.EffectivePolicy()
		fn, ok := e.hookFn(ref.Name)
		if !ok {
			failures = append(failures, HookFailure{Hook: ref.Name, Policy: policy, Error: "unregistered"})
			if policy == pmodels.PolicyRequired {
				return failures, true
			}
			e.recorder.Warning(ctx, task.ID, models.CategoryHook,
				fmt.Sprintf("hook %q is not registered", ref.Name), nil)
			continue
		}

		if policy == pmodels.PolicyFireAndForget {
			e.spawnHook(ctx, ref, fn, task, transition, tc)
			continue
		}

		if err := fn(ctx, task, transition, tc, ref.Params); err != nil {
			failures = append(failures, HookFailure{Hook: ref.Name, Policy: policy, Error: err.Error()})
			if policy == pmodels.PolicyRequired {
				return failures, true
			}
			e.recorder.Warning(ctx, task.ID, models.CategoryHook,
				fmt.Sprintf("hook %q failed: %v", ref.Name, err),
				map[string]interface{}{"hook": ref.Name, "policy": string(policy)})
		}
	}
	return failures, false
}

// spawnHook runs a fire-and-forget hook detached from the caller's
// cancellation. Failures are recorded, never propagated.
func (e *Engine) spawnHook(ctx context.Context, ref pmodels.HookRef, fn HookFunc, task *models.Task, transition *pmodels.Transition, tc TransitionContext) {
	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("fire-and-forget hook panicked",
					zap.String("hook", ref.Name),
					zap.String("task_id", task.ID),
					zap.Any("panic", r))
			}
		}()
		if err := fn(detached, task, transition, tc, ref.Params); err != nil {
			e.recorder.Error(detached, task.ID, models.CategoryHook,
				fmt.Sprintf("hook %q failed: %v", ref.Name, err),
				map[string]interface{}{"hook": ref.Name, "policy": string(pmodels.PolicyFireAndForget)})
		}
	}()
}

func (e *Engine) publishStatusChange(ctx context.Context, taskID, from, to string, tc TransitionContext) {
	if e.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.TaskStatusChanged, "pipeline-engine", map[string]interface{}{
		"task_id": taskID,
		"from":    from,
		"to":      to,
		"trigger": string(tc.Trigger),
		"actor":   tc.Actor,
	})
	if err := e.eventBus.Publish(ctx, events.TaskStatusChanged, event); err != nil {
		e.logger.Warn("failed to publish status change",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// withStatusData copies the context data and adds the committed endpoints.
// The caller's map is never mutated.
func withStatusData(tc TransitionContext, from, to string) TransitionContext {
	data := make(map[string]interface{}, len(tc.Data)+2)
	for k, v := range tc.Data {
		data[k] = v
	}
	data["fromStatus"] = from
	data["toStatus"] = to
	tc.Data = data
	return tc
}

// requiredFailureSummary joins the required-hook failures as "hook: error".
func requiredFailureSummary(failures []HookFailure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		if f.Policy == pmodels.PolicyRequired {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Hook, f.Error))
		}
	}
	return strings.Join(parts, "; ")
}

func guardFailureData(failures []GuardFailure) []interface{} {
	out := make([]interface{}, 0, len(failures))
	for _, f := range failures {
		out = append(out, map[string]interface{}{"guard": f.Guard, "reason": f.Reason})
	}
	return out
}

func hookFailureData(failures []HookFailure) []interface{} {
	out := make([]interface{}, 0, len(failures))
	for _, f := range failures {
		out = append(out, map[string]interface{}{"hook": f.Hook, "policy": string(f.Policy), "error": f.Error})
	}
	return out
}
