package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pipedev/pipedev/internal/activity"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/db"
	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/events/bus"
	"github.com/pipedev/pipedev/internal/persistence"
	pstore "github.com/pipedev/pipedev/internal/pipeline/store"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/task/store"

	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
)

type testEnv struct {
	engine    *Engine
	tasks     *store.Store
	pipelines *pstore.Store
	bus       *bus.MemoryEventBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	pool := db.NewPool(writer, reader)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	if _, err := persistence.Migrate(context.Background(), pool, persistence.All, log); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	tasks := store.New(pool)
	pipelines := pstore.New(pool)
	recorder := activity.NewRecorder(tasks, memBus, log)
	return &testEnv{
		engine:    New(tasks, pipelines, recorder, memBus, log),
		tasks:     tasks,
		pipelines: pipelines,
		bus:       memBus,
	}
}

func seedPipeline(t *testing.T, env *testEnv, transitions []pmodels.Transition) *pmodels.Pipeline {
	t.Helper()
	p := &pmodels.Pipeline{
		Name:     "Delivery",
		TaskType: "feature",
		Statuses: []pmodels.Status{
			{Name: "open", Label: "Open"},
			{Name: "planning", Label: "Planning"},
			{Name: "implementing", Label: "Implementing"},
			{Name: "pr_review", Label: "PR Review"},
			{Name: "done", Label: "Done", IsFinal: true},
		},
		Transitions: transitions,
	}
	if err := env.pipelines.Create(context.Background(), p); err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func seedTask(t *testing.T, env *testEnv, pipelineID, status string) *models.Task {
	t.Helper()
	task := &models.Task{PipelineID: pipelineID, Title: "Build the widget", Status: status}
	if err := env.tasks.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func allowGuard(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ GuardStore, _ map[string]interface{}) GuardResult {
	return Allow()
}

func TestExecuteTransition_CommitsAndRunsHooks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := seedPipeline(t, env, []pmodels.Transition{{
		From: "open", To: "planning", Trigger: pmodels.TriggerManual,
		Hooks: []pmodels.HookRef{{Name: "announce"}},
	}})
	task := seedTask(t, env, p.ID, "open")

	var hookStatus, hookFrom string
	env.engine.RegisterHook("announce", func(_ context.Context, task *models.Task, _ *pmodels.Transition, tc TransitionContext, _ map[string]interface{}) error {
		hookStatus = task.Status
		hookFrom = tc.String("fromStatus")
		return nil
	})

	result, err := env.engine.ExecuteTransition(ctx, task, "planning", TransitionContext{Trigger: pmodels.TriggerManual, Actor: "alice"})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.Task == nil || result.Task.Status != "planning" {
		t.Errorf("result task = %+v, want status planning", result.Task)
	}
	if hookStatus != "planning" {
		t.Errorf("hook saw status %q, want the committed status", hookStatus)
	}
	if hookFrom != "open" {
		t.Errorf("hook saw fromStatus %q, want open", hookFrom)
	}

	stored, err := env.tasks.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stored.Status != "planning" {
		t.Errorf("stored status = %q", stored.Status)
	}

	history, err := env.tasks.ListTransitionsByTask(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("ListTransitionsByTask() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("got %d history rows, want 1", len(history))
	}
	rec := history[0]
	if rec.FromStatus != "open" || rec.ToStatus != "planning" || rec.Trigger != "manual" || rec.Actor != "alice" {
		t.Errorf("history row = %+v", rec)
	}
	if rec.Forced {
		t.Error("manual transition should not be audited as forced")
	}

	taskEvents, err := env.tasks.ListEventsByTask(ctx, task.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListEventsByTask() error = %v", err)
	}
	if len(taskEvents) != 1 || taskEvents[0].Category != models.CategoryTransition {
		t.Errorf("events = %+v, want one transition event", taskEvents)
	}
}

func TestExecuteTransition_NoSuchTransition(t *testing.T) {
	env := newTestEnv(t)
	p := seedPipeline(t, env, []pmodels.Transition{{From: "open", To: "planning", Trigger: pmodels.TriggerManual}})
	task := seedTask(t, env, p.ID, "open")

	result, err := env.engine.ExecuteTransition(context.Background(), task, "done", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}
	if result.Success || !strings.Contains(result.Error, "no manual transition") {
		t.Errorf("result = %+v, want no-such-transition failure", result)
	}
}

func TestExecuteTransition_GuardsBlockAndAllRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := seedPipeline(t, env, []pmodels.Transition{{
		From: "open", To: "planning", Trigger: pmodels.TriggerManual,
		Guards: []pmodels.GuardRef{{Name: "gate_one"}, {Name: "gate_two"}, {Name: "gate_three"}},
	}})
	task := seedTask(t, env, p.ID, "open")

	env.engine.RegisterGuard("gate_one", allowGuard)
	env.engine.RegisterGuard("gate_two", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ GuardStore, _ map[string]interface{}) GuardResult {
		return Deny("not ready")
	})
	env.engine.RegisterGuard("gate_three", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ GuardStore, _ map[string]interface{}) GuardResult {
		return Deny("also not ready")
	})

	result, err := env.engine.ExecuteTransition(ctx, task, "planning", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}
	if result.Success {
		t.Fatal("expected guard block")
	}
	// Every guard is evaluated, not just the first failure.
	if len(result.GuardFailures) != 2 {
		t.Fatalf("guard failures = %+v, want 2", result.GuardFailures)
	}
	if result.GuardFailures[0].Guard != "gate_two" || result.GuardFailures[0].Reason != "not ready" {
		t.Errorf("first failure = %+v", result.GuardFailures[0])
	}

	stored, _ := env.tasks.GetTask(ctx, task.ID)
	if stored.Status != "open" {
		t.Errorf("status = %q, want unchanged", stored.Status)
	}
	history, _ := env.tasks.ListTransitionsByTask(ctx, task.ID, 10)
	if len(history) != 0 {
		t.Errorf("blocked transition must not be audited, got %d rows", len(history))
	}
	taskEvents, _ := env.tasks.ListEventsByTask(ctx, task.ID, 10, 0)
	if len(taskEvents) != 1 || taskEvents[0].Severity != models.SeverityWarning {
		t.Errorf("events = %+v, want one warning", taskEvents)
	}
}

func TestExecuteTransition_UnregisteredGuardFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	p := seedPipeline(t, env, []pmodels.Transition{{
		From: "open", To: "planning", Trigger: pmodels.TriggerManual,
		Guards: []pmodels.GuardRef{{Name: "no_such_guard"}},
	}})
	task := seedTask(t, env, p.ID, "open")

	result, err := env.engine.ExecuteTransition(context.Background(), task, "planning", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}
	if result.Success || len(result.GuardFailures) != 1 || result.GuardFailures[0].Reason != "unregistered" {
		t.Errorf("result = %+v, want unregistered guard failure", result)
	}
}

func TestExecuteTransition_ConcurrentModification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := seedPipeline(t, env, []pmodels.Transition{{From: "open", To: "planning", Trigger: pmodels.TriggerManual}})
	task := seedTask(t, env, p.ID, "open")

	first, err := env.engine.ExecuteTransition(ctx, task, "planning", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil || !first.Success {
		t.Fatalf("first transition = %+v, %v", first, err)
	}

	// The caller still holds the pre-transition snapshot.
	second, err := env.engine.ExecuteTransition(ctx, task, "planning", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}
	if second.Success || !strings.Contains(second.Error, "moved") {
		t.Errorf("result = %+v, want concurrent-modification failure", second)
	}

	history, _ := env.tasks.ListTransitionsByTask(ctx, task.ID, 10)
	if len(history) != 1 {
		t.Errorf("got %d history rows, want 1", len(history))
	}
}

func TestExecuteTransition_TaskDisappeared(t *testing.T) {
	env := newTestEnv(t)
	p := seedPipeline(t, env, []pmodels.Transition{{From: "open", To: "planning", Trigger: pmodels.TriggerManual}})

	ghost := &models.Task{ID: "ghost", PipelineID: p.ID, Status: "open"}
	result, err := env.engine.ExecuteTransition(context.Background(), ghost, "planning", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}
	if result.Success || !strings.Contains(result.Error, "task not found") {
		t.Errorf("result = %+v, want task-not-found failure", result)
	}
}

func TestExecuteTransition_RequiredHookRollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := seedPipeline(t, env, []pmodels.Transition{{
		From: "implementing", To: "pr_review", Trigger: pmodels.TriggerManual,
		Hooks: []pmodels.HookRef{{Name: "push_and_create_pr", Policy: pmodels.PolicyRequired}},
	}})
	task := seedTask(t, env, p.ID, "implementing")

	env.engine.RegisterHook("push_and_create_pr", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ map[string]interface{}) error {
		return errors.New("remote rejected")
	})

	result, err := env.engine.ExecuteTransition(ctx, task, "pr_review", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}
	if result.Success {
		t.Fatal("expected rollback failure")
	}
	if result.Error != "push_and_create_pr: remote rejected" {
		t.Errorf("error = %q", result.Error)
	}
	if len(result.HookFailures) != 1 || result.HookFailures[0].Policy != pmodels.PolicyRequired {
		t.Errorf("hook failures = %+v", result.HookFailures)
	}

	stored, _ := env.tasks.GetTask(ctx, task.ID)
	if stored.Status != "implementing" {
		t.Errorf("status = %q, want restored to implementing", stored.Status)
	}

	taskEvents, _ := env.tasks.ListEventsByTask(ctx, task.ID, 10, 0)
	foundError := false
	for _, ev := range taskEvents {
		if ev.Severity == models.SeverityError && strings.Contains(ev.Message, "rolled back") {
			foundError = true
		}
	}
	if !foundError {
		t.Errorf("events = %+v, want a rollback error event", taskEvents)
	}
}

func TestExecuteTransition_RequiredFailureStopsChain(t *testing.T) {
	env := newTestEnv(t)

	p := seedPipeline(t, env, []pmodels.Transition{{
		From: "open", To: "planning", Trigger: pmodels.TriggerManual,
		Hooks: []pmodels.HookRef{
			{Name: "deploy", Policy: pmodels.PolicyRequired},
			{Name: "announce"},
		},
	}})
	task := seedTask(t, env, p.ID, "open")

	announced := false
	env.engine.RegisterHook("deploy", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ map[string]interface{}) error {
		return errors.New("boom")
	})
	env.engine.RegisterHook("announce", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ map[string]interface{}) error {
		announced = true
		return nil
	})

	result, err := env.engine.ExecuteTransition(context.Background(), task, "planning", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}
	if result.Success {
		t.Fatal("expected rollback failure")
	}
	if announced {
		t.Error("hooks after a failed required hook must not run")
	}
}

func TestExecuteTransition_BestEffortFailureContinues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := seedPipeline(t, env, []pmodels.Transition{{
		From: "open", To: "planning", Trigger: pmodels.TriggerManual,
		Hooks: []pmodels.HookRef{
			{Name: "flaky", Policy: pmodels.PolicyBestEffort},
			{Name: "announce"},
		},
	}})
	task := seedTask(t, env, p.ID, "open")

	announced := false
	env.engine.RegisterHook("flaky", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ map[string]interface{}) error {
		return errors.New("transient")
	})
	env.engine.RegisterHook("announce", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ map[string]interface{}) error {
		announced = true
		return nil
	})

	result, err := env.engine.ExecuteTransition(ctx, task, "planning", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success despite best-effort failure", result)
	}
	if len(result.HookFailures) != 1 || result.HookFailures[0].Hook != "flaky" {
		t.Errorf("hook failures = %+v", result.HookFailures)
	}
	if !announced {
		t.Error("best-effort failure must not stop later hooks")
	}

	stored, _ := env.tasks.GetTask(ctx, task.ID)
	if stored.Status != "planning" {
		t.Errorf("status = %q, want the change kept", stored.Status)
	}
}

func TestExecuteTransition_FireAndForgetDetaches(t *testing.T) {
	env := newTestEnv(t)

	p := seedPipeline(t, env, []pmodels.Transition{{
		From: "open", To: "planning", Trigger: pmodels.TriggerManual,
		Hooks: []pmodels.HookRef{{Name: "spawn", Policy: pmodels.PolicyFireAndForget}},
	}})
	task := seedTask(t, env, p.ID, "open")

	ran := make(chan struct{})
	env.engine.RegisterHook("spawn", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ map[string]interface{}) error {
		close(ran)
		return nil
	})

	result, err := env.engine.ExecuteTransition(context.Background(), task, "planning", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}
	if !result.Success || len(result.HookFailures) != 0 {
		t.Fatalf("result = %+v, want clean success", result)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("fire-and-forget hook never ran")
	}
}

func TestExecuteForceTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// No arc from open to done exists.
	p := seedPipeline(t, env, []pmodels.Transition{{From: "open", To: "planning", Trigger: pmodels.TriggerManual}})
	task := seedTask(t, env, p.ID, "open")

	result, err := env.engine.ExecuteForceTransition(ctx, task, "done", TransitionContext{Trigger: pmodels.TriggerManual, Actor: "admin"})
	if err != nil {
		t.Fatalf("ExecuteForceTransition() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}

	stored, _ := env.tasks.GetTask(ctx, task.ID)
	if stored.Status != "done" {
		t.Errorf("status = %q, want done", stored.Status)
	}

	history, _ := env.tasks.ListTransitionsByTask(ctx, task.ID, 10)
	if len(history) != 1 || !history[0].Forced {
		t.Errorf("history = %+v, want one forced row", history)
	}

	// The target still has to be a real status.
	bogus, err := env.engine.ExecuteForceTransition(ctx, stored, "limbo", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteForceTransition() error = %v", err)
	}
	if bogus.Success || !strings.Contains(bogus.Error, "does not define") {
		t.Errorf("result = %+v, want unknown-status failure", bogus)
	}
}

func TestExecuteForceTransition_SkipsGuardsButRunsHooks(t *testing.T) {
	env := newTestEnv(t)

	p := seedPipeline(t, env, []pmodels.Transition{{
		From: "open", To: "planning", Trigger: pmodels.TriggerManual,
		Guards: []pmodels.GuardRef{{Name: "always_deny"}},
		Hooks:  []pmodels.HookRef{{Name: "announce"}},
	}})
	task := seedTask(t, env, p.ID, "open")

	env.engine.RegisterGuard("always_deny", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ GuardStore, _ map[string]interface{}) GuardResult {
		return Deny("never")
	})
	announced := false
	env.engine.RegisterHook("announce", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ map[string]interface{}) error {
		announced = true
		return nil
	})

	result, err := env.engine.ExecuteForceTransition(context.Background(), task, "planning", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteForceTransition() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success despite denying guard", result)
	}
	if !announced {
		t.Error("hooks on the matching arc still run when forced")
	}
}

func TestCheckGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := seedPipeline(t, env, []pmodels.Transition{{
		From: "open", To: "planning", Trigger: pmodels.TriggerManual,
		Guards: []pmodels.GuardRef{{Name: "gate_one"}, {Name: "gate_two"}},
	}})
	task := seedTask(t, env, p.ID, "open")

	env.engine.RegisterGuard("gate_one", allowGuard)
	env.engine.RegisterGuard("gate_two", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ GuardStore, _ map[string]interface{}) GuardResult {
		return Deny("not ready")
	})

	result, err := env.engine.CheckGuards(ctx, task, "planning", pmodels.TriggerManual)
	if err != nil {
		t.Fatalf("CheckGuards() error = %v", err)
	}
	if result == nil || result.Allowed {
		t.Fatalf("result = %+v, want blocked", result)
	}
	if len(result.Guards) != 2 || result.Guards[1].Reason != "not ready" {
		t.Errorf("guards = %+v", result.Guards)
	}

	// Dry run: no status change, no audit, no events.
	stored, _ := env.tasks.GetTask(ctx, task.ID)
	if stored.Status != "open" {
		t.Errorf("status = %q, want untouched", stored.Status)
	}
	history, _ := env.tasks.ListTransitionsByTask(ctx, task.ID, 10)
	taskEvents, _ := env.tasks.ListEventsByTask(ctx, task.ID, 10, 0)
	if len(history) != 0 || len(taskEvents) != 0 {
		t.Errorf("dry run wrote history=%d events=%d", len(history), len(taskEvents))
	}

	// No matching transition yields a nil result.
	none, err := env.engine.CheckGuards(ctx, task, "done", pmodels.TriggerManual)
	if err != nil {
		t.Fatalf("CheckGuards() error = %v", err)
	}
	if none != nil {
		t.Errorf("result = %+v, want nil for unmatched transition", none)
	}
}

func TestExecuteAgentOutcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := seedPipeline(t, env, []pmodels.Transition{
		{From: "planning", To: "implementing", Trigger: pmodels.TriggerAgent, AgentOutcome: "plan_complete"},
		{From: "planning", To: "open", Trigger: pmodels.TriggerAgent, AgentOutcome: "failed"},
	})
	task := seedTask(t, env, p.ID, "planning")

	result, err := env.engine.ExecuteAgentOutcome(ctx, task, "plan_complete", map[string]interface{}{"agentRunId": "run-1"})
	if err != nil {
		t.Fatalf("ExecuteAgentOutcome() error = %v", err)
	}
	if !result.Success || result.Task.Status != "implementing" {
		t.Fatalf("result = %+v, want implementing", result)
	}

	history, _ := env.tasks.ListTransitionsByTask(ctx, task.ID, 10)
	if len(history) != 1 || history[0].Trigger != "agent" {
		t.Errorf("history = %+v, want one agent row", history)
	}

	missing, err := env.engine.ExecuteAgentOutcome(ctx, result.Task, "no_such_outcome", nil)
	if err != nil {
		t.Fatalf("ExecuteAgentOutcome() error = %v", err)
	}
	if missing.Success || !strings.Contains(missing.Error, "no agent transition") {
		t.Errorf("result = %+v, want unrouted-outcome failure", missing)
	}
}

func TestExecuteTransition_PublishesStatusChange(t *testing.T) {
	env := newTestEnv(t)

	p := seedPipeline(t, env, []pmodels.Transition{{From: "open", To: "planning", Trigger: pmodels.TriggerManual}})
	task := seedTask(t, env, p.ID, "open")

	var got []*bus.Event
	if _, err := env.bus.Subscribe(events.TaskStatusChanged, func(_ context.Context, event *bus.Event) error {
		got = append(got, event)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	result, err := env.engine.ExecuteTransition(context.Background(), task, "planning", TransitionContext{Trigger: pmodels.TriggerManual, Actor: "alice"})
	if err != nil || !result.Success {
		t.Fatalf("transition = %+v, %v", result, err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d status change events, want 1", len(got))
	}
	if got[0].Data["from"] != "open" || got[0].Data["to"] != "planning" || got[0].Data["actor"] != "alice" {
		t.Errorf("event data = %+v", got[0].Data)
	}
}

func TestValidTransitionsAndGrouping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := seedPipeline(t, env, []pmodels.Transition{
		{From: "open", To: "planning", Trigger: pmodels.TriggerManual},
		{From: "open", To: "done", Trigger: pmodels.TriggerManual},
		{From: "*", To: "open", Trigger: pmodels.TriggerSystem},
		{From: "planning", To: "implementing", Trigger: pmodels.TriggerAgent, AgentOutcome: "plan_complete"},
	})
	task := seedTask(t, env, p.ID, "open")

	manual, err := env.engine.ValidTransitions(ctx, task, pmodels.TriggerManual)
	if err != nil {
		t.Fatalf("ValidTransitions() error = %v", err)
	}
	if len(manual) != 2 {
		t.Errorf("manual transitions = %d, want 2", len(manual))
	}

	all, err := env.engine.ValidTransitions(ctx, task, "")
	if err != nil {
		t.Fatalf("ValidTransitions() error = %v", err)
	}
	// Two manual plus the wildcard system arc; the agent arc leaves planning.
	if len(all) != 3 {
		t.Errorf("all transitions = %d, want 3", len(all))
	}

	grouped, err := env.engine.AllTransitions(ctx, task)
	if err != nil {
		t.Fatalf("AllTransitions() error = %v", err)
	}
	if len(grouped[pmodels.TriggerManual]) != 2 || len(grouped[pmodels.TriggerSystem]) != 1 || len(grouped[pmodels.TriggerAgent]) != 0 {
		t.Errorf("grouped = %+v", grouped)
	}
}

func TestFindTransition_PrefersExactFromOverWildcard(t *testing.T) {
	p := &pmodels.Pipeline{Transitions: []pmodels.Transition{
		{From: "*", To: "done", Trigger: pmodels.TriggerManual},
		{From: "open", To: "done", Trigger: pmodels.TriggerManual},
	}}

	got := FindTransition(p, "open", "done", pmodels.TriggerManual, "")
	if got == nil || got.From != "open" {
		t.Errorf("FindTransition() = %+v, want the exact arc", got)
	}

	wild := FindTransition(p, "planning", "done", pmodels.TriggerManual, "")
	if wild == nil || wild.From != pmodels.StatusAny {
		t.Errorf("FindTransition() = %+v, want the wildcard arc", wild)
	}

	if FindTransition(p, "open", "planning", pmodels.TriggerManual, "") != nil {
		t.Error("expected no match for an undefined arc")
	}
}

func TestFindTransition_AgentOutcomeDiscriminates(t *testing.T) {
	p := &pmodels.Pipeline{Transitions: []pmodels.Transition{
		{From: "pr_review", To: "done", Trigger: pmodels.TriggerAgent, AgentOutcome: "approved"},
		{From: "pr_review", To: "implementing", Trigger: pmodels.TriggerAgent, AgentOutcome: "changes_requested"},
	}}

	got := FindTransition(p, "pr_review", "implementing", pmodels.TriggerAgent, "changes_requested")
	if got == nil || got.AgentOutcome != "changes_requested" {
		t.Errorf("FindTransition() = %+v", got)
	}

	if FindTransition(p, "pr_review", "implementing", pmodels.TriggerAgent, "approved") != nil {
		t.Error("an arc declared for another outcome must not match")
	}

	// Without an outcome the endpoints alone decide.
	if FindTransition(p, "pr_review", "implementing", pmodels.TriggerAgent, "") == nil {
		t.Error("expected endpoint match when no outcome is supplied")
	}
}

func TestRetryHook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := seedPipeline(t, env, nil)
	task := seedTask(t, env, p.ID, "pr_review")

	transition := &pmodels.Transition{
		From: "implementing", To: "pr_review", Trigger: pmodels.TriggerManual,
		Hooks: []pmodels.HookRef{{Name: "push", Policy: pmodels.PolicyRequired}},
	}

	fail := true
	env.engine.RegisterHook("push", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ map[string]interface{}) error {
		if fail {
			return errors.New("remote rejected")
		}
		return nil
	})

	result, err := env.engine.RetryHook(ctx, task, "push", transition, TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("RetryHook() error = %v", err)
	}
	if result.Success || result.Error != "remote rejected" {
		t.Errorf("result = %+v, want failure", result)
	}

	fail = false
	result, err = env.engine.RetryHook(ctx, task, "push", transition, TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("RetryHook() error = %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v, want success", result)
	}

	// The task status is never the retry's business.
	stored, _ := env.tasks.GetTask(ctx, task.ID)
	if stored.Status != "pr_review" {
		t.Errorf("status = %q, want untouched", stored.Status)
	}

	missing, err := env.engine.RetryHook(ctx, task, "absent", transition, TransitionContext{})
	if err != nil {
		t.Fatalf("RetryHook() error = %v", err)
	}
	if missing.Success || !strings.Contains(missing.Error, "no hook") {
		t.Errorf("result = %+v, want missing-hook failure", missing)
	}
}

func TestRegisterGuard_LastRegistrationWins(t *testing.T) {
	env := newTestEnv(t)

	p := seedPipeline(t, env, []pmodels.Transition{{
		From: "open", To: "planning", Trigger: pmodels.TriggerManual,
		Guards: []pmodels.GuardRef{{Name: "gate"}},
	}})
	task := seedTask(t, env, p.ID, "open")

	env.engine.RegisterGuard("gate", func(_ context.Context, _ *models.Task, _ *pmodels.Transition, _ TransitionContext, _ GuardStore, _ map[string]interface{}) GuardResult {
		return Deny("first registration")
	})
	env.engine.RegisterGuard("gate", allowGuard)

	result, err := env.engine.ExecuteTransition(context.Background(), task, "planning", TransitionContext{Trigger: pmodels.TriggerManual})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v, the second registration should win", result)
	}
}
