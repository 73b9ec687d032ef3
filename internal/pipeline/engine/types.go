package engine

import (
	"context"

	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
	"github.com/pipedev/pipedev/internal/task/models"
)

// TransitionContext carries who initiated a transition and any
// trigger-specific data. For agent triggers Data holds at least the outcome;
// the executor adds agentRunId, payload and branch. Before hooks run the
// engine injects fromStatus and toStatus so hooks can render both sides of
// the arc without re-reading history.
type TransitionContext struct {
	Trigger pmodels.Trigger        `json:"trigger"`
	Actor   string                 `json:"actor,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Outcome returns the agent outcome carried in Data, if any.
func (tc TransitionContext) Outcome() string {
	if s, ok := tc.Data["outcome"].(string); ok {
		return s
	}
	return ""
}

// String returns the string value stored under key in Data, or "".
func (tc TransitionContext) String(key string) string {
	if s, ok := tc.Data[key].(string); ok {
		return s
	}
	return ""
}

// GuardStore is the transaction-scoped persistence view handed to guards.
// Guards may read through it; they must not write, block on external I/O,
// or call back into the engine.
type GuardStore interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetTasksByIDs(ctx context.Context, ids []string) ([]*models.Task, error)
	CountRunningRuns(ctx context.Context, taskID string) (int, error)
	CountFailedRunOutcomes(ctx context.Context, taskID string) (int, error)
	ListPhases(ctx context.Context, taskID string) ([]*models.Phase, error)
}

// GuardResult is a single guard's verdict.
type GuardResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the passing guard verdict.
func Allow() GuardResult { return GuardResult{Allowed: true} }

// Deny is a blocking guard verdict with a human-readable reason.
func Deny(reason string) GuardResult { return GuardResult{Allowed: false, Reason: reason} }

// GuardFunc gates a transition. It runs inside the commit transaction and
// receives the freshly re-read task. Guards report their own query errors
// as Deny reasons; they never abort the evaluation of later guards.
type GuardFunc func(ctx context.Context, task *models.Task, transition *pmodels.Transition, tc TransitionContext, store GuardStore, params map[string]interface{}) GuardResult

// HookFunc performs a side effect after a committed status change. Hooks
// run outside the transaction and may do arbitrary I/O. The task carries
// the new status.
type HookFunc func(ctx context.Context, task *models.Task, transition *pmodels.Transition, tc TransitionContext, params map[string]interface{}) error

// GuardFailure names a guard that blocked a transition.
type GuardFailure struct {
	Guard  string `json:"guard"`
	Reason string `json:"reason"`
}

// HookFailure records a hook that failed after the status change committed.
type HookFailure struct {
	Hook   string             `json:"hook"`
	Policy pmodels.HookPolicy `json:"policy"`
	Error  string             `json:"error"`
}

// TransitionResult is the outcome of a transition attempt. Domain failures
// (no such transition, concurrent modification, guard block, required-hook
// rollback) land here; only infrastructure errors surface as Go errors.
type TransitionResult struct {
	Success       bool           `json:"success"`
	Task          *models.Task   `json:"task,omitempty"`
	Error         string         `json:"error,omitempty"`
	GuardFailures []GuardFailure `json:"guard_failures,omitempty"`
	HookFailures  []HookFailure  `json:"hook_failures,omitempty"`
}

// GuardEvaluation is one guard's verdict in a dry run.
type GuardEvaluation struct {
	Guard   string `json:"guard"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// GuardCheckResult is the dry-run verdict for a candidate transition.
type GuardCheckResult struct {
	Allowed bool              `json:"allowed"`
	Guards  []GuardEvaluation `json:"guards"`
}

// HookRetryResult reports an out-of-band hook re-run.
type HookRetryResult struct {
	Hook    string `json:"hook"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
