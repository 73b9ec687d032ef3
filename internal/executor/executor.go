// Package executor owns the agent run lifecycle: worktree preparation, agent
// invocation with live output streaming, the validation-retry loop, outcome
// routing back into the pipeline, and recovery of runs a previous process
// left behind. Execute returns as soon as the running row is persisted; the
// rest happens on a background goroutine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pipedev/pipedev/internal/activity"
	"github.com/pipedev/pipedev/internal/agent/runner"
	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/events/bus"
	"github.com/pipedev/pipedev/internal/gitops"
	"github.com/pipedev/pipedev/internal/notify"
	"github.com/pipedev/pipedev/internal/pipeline/engine"
	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/task/store"
	"github.com/pipedev/pipedev/internal/worktree"
)

// Common errors
var (
	ErrTaskBusy    = errors.New("task already has a running agent")
	ErrRunNotLive  = errors.New("run is not live")
	ErrNoAgent     = errors.New("no agent runner configured")
	ErrTaskMissing = errors.New("task not found")
)

// defaultAgentType names the agent recorded on runs when the caller passes
// none.
const defaultAgentType = "claude-code"

// inboundBuffer bounds how many follow-up messages a live run can hold
// before QueueMessage falls back to the per-task queue.
const inboundBuffer = 16

// TransitionEngine is the slice of the pipeline engine the executor drives.
type TransitionEngine interface {
	ExecuteAgentOutcome(ctx context.Context, task *models.Task, outcome string, data map[string]interface{}) (*engine.TransitionResult, error)
	ValidTransitions(ctx context.Context, task *models.Task, trigger pmodels.Trigger) ([]pmodels.Transition, error)
}

// WorktreeManager is the slice of the worktree manager the executor uses.
type WorktreeManager interface {
	Ensure(ctx context.Context, taskID, branch string) (*worktree.Worktree, error)
	Lock(ctx context.Context, taskID string) error
	Unlock(ctx context.Context, taskID string) error
}

// Callbacks stream a task's run to an attached consumer (the websocket
// gateway). All fields are optional; nil callbacks are skipped.
type Callbacks struct {
	// OnOutput receives each assistant text fragment.
	OnOutput func(taskID, runID, text string)
	// OnMessage receives every structured stream message.
	OnMessage func(taskID string, msg *StreamMessage)
	// OnStatusChange fires when the run reaches a terminal status.
	OnStatusChange func(taskID, runID string, status models.RunStatus)
}

// StreamMessage is the structured form of one streamed agent message.
type StreamMessage struct {
	RunID    string                 `json:"run_id"`
	TaskID   string                 `json:"task_id"`
	Kind     string                 `json:"kind"` // text, tool_use, tool_result, status
	Text     string                 `json:"text,omitempty"`
	ToolName string                 `json:"tool_name,omitempty"`
	ToolID   string                 `json:"tool_id,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
}

// Deps wires the executor's collaborators.
type Deps struct {
	Tasks     *store.Store
	Engine    TransitionEngine
	Worktrees WorktreeManager
	Git       gitops.GitOps
	Agent     runner.QueryAgent
	Recorder  *activity.Recorder
	Bus       bus.EventBus
	Notifier  *notify.Router

	Config config.AgentConfig
	// BaseBranch is the branch runs rebase onto and diff against.
	BaseBranch string

	Logger *logger.Logger
}

// liveRun is the in-memory state of one background run.
type liveRun struct {
	runID   string
	taskID  string
	cancel  context.CancelFunc
	inbound chan string

	mu       sync.Mutex
	aborted  bool
	timedOut bool
}

// flags returns the stop disposition set on the run so far.
func (lr *liveRun) flags() (aborted, timedOut bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.aborted, lr.timedOut
}

// Executor runs agents for tasks.
type Executor struct {
	deps Deps
	log  *logger.Logger
	sem  *semaphore.Weighted

	mu        sync.Mutex
	live      map[string]*liveRun // run ID -> state
	byTask    map[string]string   // task ID -> live run ID
	queues    map[string][]string // task ID -> queued follow-up messages
	callbacks map[string]Callbacks
	wg        sync.WaitGroup
}

// New creates an executor. The concurrency cap comes from the agent config;
// anything below one is treated as one.
func New(deps Deps) *Executor {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	limit := deps.Config.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	return &Executor{
		deps:      deps,
		log:       log.WithFields(zap.String("component", "executor")),
		sem:       semaphore.NewWeighted(int64(limit)),
		live:      make(map[string]*liveRun),
		byTask:    make(map[string]string),
		queues:    make(map[string][]string),
		callbacks: make(map[string]Callbacks),
	}
}

// Execute starts an agent run for a task. It persists the running row,
// registers the run as live and returns; preparation, the agent invocation
// and finalization happen on a background goroutine. mode defaults to
// "implement" and agentType to the built-in default.
func (e *Executor) Execute(ctx context.Context, taskID, mode, agentType string) (*models.AgentRun, error) {
	if e.deps.Agent == nil {
		return nil, ErrNoAgent
	}
	if mode == "" {
		mode = "implement"
	}
	if agentType == "" {
		agentType = defaultAgentType
	}

	task, err := e.deps.Tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil, ErrTaskMissing
		}
		return nil, err
	}

	run := &models.AgentRun{
		TaskID:    task.ID,
		AgentType: agentType,
		Mode:      mode,
		TimeoutMs: e.deps.Config.DefaultTimeoutMs,
		MaxTurns:  e.deps.Config.MaxTurns,
	}

	// Reserve the task slot before touching the database so concurrent
	// Execute calls for the same task lose fast.
	e.mu.Lock()
	if _, busy := e.byTask[task.ID]; busy {
		e.mu.Unlock()
		return nil, ErrTaskBusy
	}
	e.byTask[task.ID] = ""
	e.mu.Unlock()

	if err := e.deps.Tasks.CreateRun(ctx, run); err != nil {
		e.mu.Lock()
		delete(e.byTask, task.ID)
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to persist agent run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lr := &liveRun{
		runID:   run.ID,
		taskID:  task.ID,
		cancel:  cancel,
		inbound: make(chan string, inboundBuffer),
	}
	e.mu.Lock()
	e.live[run.ID] = lr
	e.byTask[task.ID] = run.ID
	e.wg.Add(1)
	e.mu.Unlock()

	e.log.Info("agent run starting",
		zap.String("run_id", run.ID),
		zap.String("task_id", task.ID),
		zap.String("mode", mode),
		zap.String("agent_type", agentType))
	e.deps.Recorder.Info(ctx, task.ID, models.CategoryAgent,
		fmt.Sprintf("agent run started (mode %s)", mode),
		map[string]interface{}{"run_id": run.ID, "mode": mode, "agent_type": agentType})
	e.publish(ctx, events.AgentRunStarted, task.ID, map[string]interface{}{
		"run_id": run.ID, "task_id": task.ID, "mode": mode, "agent_type": agentType,
	})

	go e.runTask(runCtx, lr, task, run)

	return run, nil
}

// Stop cancels a live run cooperatively. The background goroutine observes
// the cancellation and finishes the run as cancelled.
func (e *Executor) Stop(runID string) error {
	e.mu.Lock()
	lr, ok := e.live[runID]
	e.mu.Unlock()
	if !ok {
		return ErrRunNotLive
	}

	lr.mu.Lock()
	lr.aborted = true
	lr.mu.Unlock()
	lr.cancel()

	e.log.Info("agent run stop requested", zap.String("run_id", runID))
	return nil
}

// StopForTimeout cancels a live run that outlived its deadline. Unlike Stop,
// the run finishes through the timed-out path: the row records timed_out and
// a failed outcome is still routed. The supervisor uses this when reaping.
func (e *Executor) StopForTimeout(runID string) error {
	e.mu.Lock()
	lr, ok := e.live[runID]
	e.mu.Unlock()
	if !ok {
		return ErrRunNotLive
	}

	lr.mu.Lock()
	lr.timedOut = true
	lr.mu.Unlock()
	lr.cancel()

	e.log.Info("agent run stopped for exceeding its deadline", zap.String("run_id", runID))
	return nil
}

// LiveRunIDs returns the ids of runs this process is executing right now.
// The supervisor treats this set as authoritative when reaping ghosts.
func (e *Executor) LiveRunIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	return ids
}

// ActiveCount returns how many runs are live.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// QueueMessage delivers a follow-up message to a task's agent. A live run
// receives it on its stdin stream; otherwise (or when the live buffer is
// full) it is queued and the next run picks it up.
func (e *Executor) QueueMessage(ctx context.Context, taskID, text string) {
	e.mu.Lock()
	var delivered bool
	if runID, ok := e.byTask[taskID]; ok {
		if lr, live := e.live[runID]; live {
			select {
			case lr.inbound <- text:
				delivered = true
			default:
			}
		}
	}
	if !delivered {
		e.queues[taskID] = append(e.queues[taskID], text)
	}
	e.mu.Unlock()

	e.publish(ctx, events.MessageQueued, taskID, map[string]interface{}{
		"task_id": taskID, "delivered": delivered,
	})
}

// AttachCallbacks installs the stream consumer for a task. The previous
// consumer, if any, is replaced.
func (e *Executor) AttachCallbacks(taskID string, cb Callbacks) {
	e.mu.Lock()
	e.callbacks[taskID] = cb
	e.mu.Unlock()
}

// DetachCallbacks removes a task's stream consumer.
func (e *Executor) DetachCallbacks(taskID string) {
	e.mu.Lock()
	delete(e.callbacks, taskID)
	e.mu.Unlock()
}

// callbacksFor returns the current consumer for a task.
func (e *Executor) callbacksFor(taskID string) Callbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callbacks[taskID]
}

// takeQueued drains and returns a task's queued messages.
func (e *Executor) takeQueued(taskID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := e.queues[taskID]
	delete(e.queues, taskID)
	return msgs
}

// hasQueued reports whether messages arrived for a task.
func (e *Executor) hasQueued(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues[taskID]) > 0
}

// RecoverOrphanedRuns finishes runs a previous process left in running
// state: each becomes failed with outcome interrupted, its worktree lock is
// released and its pending prompts expire. Called once at startup, before
// the supervisor starts.
func (e *Executor) RecoverOrphanedRuns(ctx context.Context) []*models.AgentRun {
	runs, err := e.deps.Tasks.ListRunningRuns(ctx)
	if err != nil {
		e.log.Error("failed to list running runs for recovery", zap.Error(err))
		return nil
	}

	recovered := make([]*models.AgentRun, 0, len(runs))
	for _, run := range runs {
		if err := e.deps.Tasks.MarkRunInterrupted(ctx, run.ID, "\n[run interrupted by restart]"); err != nil {
			e.log.Error("failed to mark orphaned run interrupted",
				zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		if err := e.deps.Worktrees.Unlock(ctx, run.TaskID); err != nil && !errors.Is(err, worktree.ErrWorktreeNotFound) {
			e.log.Warn("failed to unlock worktree during recovery",
				zap.String("task_id", run.TaskID), zap.Error(err))
		}
		if _, err := e.deps.Tasks.ExpirePromptsByRun(ctx, run.ID); err != nil {
			e.log.Warn("failed to expire prompts during recovery",
				zap.String("run_id", run.ID), zap.Error(err))
		}
		e.deps.Recorder.Warning(ctx, run.TaskID, models.CategoryAgent,
			"agent run interrupted by restart",
			map[string]interface{}{"run_id": run.ID, "mode": run.Mode})
		recovered = append(recovered, run)
	}
	if len(recovered) > 0 {
		e.log.Info("recovered orphaned agent runs", zap.Int("count", len(recovered)))
	}
	return recovered
}

// Wait blocks until every background run finishes. Tests use it; shutdown
// paths prefer Stop plus a deadline.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// publish emits a bus event, tolerating a nil bus.
func (e *Executor) publish(ctx context.Context, eventType, taskID string, data map[string]interface{}) {
	if e.deps.Bus == nil {
		return
	}
	subject := eventType
	if eventType == events.AgentRunStream {
		subject = events.BuildAgentStreamSubject(taskID)
	}
	if err := e.deps.Bus.Publish(ctx, subject, bus.NewEvent(eventType, "executor", data)); err != nil {
		e.log.Warn("failed to publish event",
			zap.String("type", eventType), zap.Error(err))
	}
}
