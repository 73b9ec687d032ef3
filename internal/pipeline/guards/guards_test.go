package guards

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pipedev/pipedev/internal/activity"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/db"
	"github.com/pipedev/pipedev/internal/events/bus"
	"github.com/pipedev/pipedev/internal/persistence"
	"github.com/pipedev/pipedev/internal/pipeline/engine"
	pstore "github.com/pipedev/pipedev/internal/pipeline/store"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/task/store"

	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
)

type testStores struct {
	tasks     *store.Store
	pipelines *pstore.Store
	log       *logger.Logger
}

func newTestStores(t *testing.T) *testStores {
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

	return &testStores{tasks: store.New(pool), pipelines: pstore.New(pool), log: log}
}

func (ts *testStores) seedPipeline(t *testing.T) *pmodels.Pipeline {
	t.Helper()
	p := &pmodels.Pipeline{
		Name:     "Delivery",
		TaskType: "feature",
		Statuses: []pmodels.Status{
			{Name: "open", Label: "Open"},
			{Name: "pr_review", Label: "PR Review"},
			{Name: "done", Label: "Done", IsFinal: true},
		},
	}
	if err := ts.pipelines.Create(context.Background(), p); err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func (ts *testStores) seedTask(t *testing.T, pipelineID, status string, mutate func(*models.Task)) *models.Task {
	t.Helper()
	task := &models.Task{PipelineID: pipelineID, Title: "Build the widget", Status: status}
	if mutate != nil {
		mutate(task)
	}
	if err := ts.tasks.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

// begin opens the writer transaction guards normally receive from the
// engine. Callers roll it back themselves between seeding rounds.
func (ts *testStores) begin(t *testing.T) *store.Tx {
	t.Helper()
	tx, err := ts.tasks.Begin(context.Background())
	if err != nil {
		t.Fatalf("failed to begin tx: %v", err)
	}
	return tx
}

func TestHasPR(t *testing.T) {
	ctx := context.Background()

	got := HasPR(ctx, &models.Task{}, nil, engine.TransitionContext{}, nil, nil)
	if got.Allowed || got.Reason != "Task must have a PR link" {
		t.Errorf("HasPR() = %+v, want the missing-PR denial", got)
	}

	got = HasPR(ctx, &models.Task{PRLink: "https://github.com/acme/widget/pull/7"}, nil, engine.TransitionContext{}, nil, nil)
	if !got.Allowed {
		t.Errorf("HasPR() = %+v, want allow", got)
	}
}

func TestDependenciesResolved(t *testing.T) {
	ts := newTestStores(t)
	ctx := context.Background()
	p := ts.seedPipeline(t)
	guard := DependenciesResolved(ts.pipelines)

	if got := guard(ctx, &models.Task{}, nil, engine.TransitionContext{}, nil, nil); !got.Allowed {
		t.Errorf("no dependencies = %+v, want allow", got)
	}

	depA := ts.seedTask(t, p.ID, "open", nil)
	depB := ts.seedTask(t, p.ID, "done", nil)
	task := ts.seedTask(t, p.ID, "open", func(task *models.Task) {
		task.DependsOn = []string{depA.ID, depB.ID}
	})

	tx := ts.begin(t)
	got := guard(ctx, task, nil, engine.TransitionContext{}, tx, nil)
	_ = tx.Rollback()
	if got.Allowed || got.Reason != "1 dependency task(s) not finished" {
		t.Errorf("unfinished dependency = %+v", got)
	}

	if err := ts.tasks.UpdateTaskStatus(ctx, depA.ID, "done"); err != nil {
		t.Fatalf("failed to finish dependency: %v", err)
	}
	tx = ts.begin(t)
	got = guard(ctx, task, nil, engine.TransitionContext{}, tx, nil)
	_ = tx.Rollback()
	if !got.Allowed {
		t.Errorf("finished dependencies = %+v, want allow", got)
	}

	orphan := ts.seedTask(t, p.ID, "open", func(task *models.Task) {
		task.DependsOn = []string{"vanished"}
	})
	tx = ts.begin(t)
	got = guard(ctx, orphan, nil, engine.TransitionContext{}, tx, nil)
	_ = tx.Rollback()
	if got.Allowed || got.Reason != "1 dependency task(s) missing" {
		t.Errorf("missing dependency = %+v", got)
	}
}

func TestNoRunningAgent(t *testing.T) {
	ts := newTestStores(t)
	ctx := context.Background()
	p := ts.seedPipeline(t)
	task := ts.seedTask(t, p.ID, "open", nil)

	run := &models.AgentRun{TaskID: task.ID, AgentType: "claude-code", Mode: "implement"}
	if err := ts.tasks.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	tx := ts.begin(t)
	got := NoRunningAgent(ctx, task, nil, engine.TransitionContext{}, tx, nil)
	_ = tx.Rollback()
	if got.Allowed || got.Reason != "An agent is already running for this task" {
		t.Errorf("live run = %+v", got)
	}

	run.Status = models.RunStatusCompleted
	run.Outcome = "plan_complete"
	if err := ts.tasks.CompleteRun(ctx, run); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	tx = ts.begin(t)
	got = NoRunningAgent(ctx, task, nil, engine.TransitionContext{}, tx, nil)
	_ = tx.Rollback()
	if !got.Allowed {
		t.Errorf("terminal run = %+v, want allow", got)
	}
}

func TestMaxRetries(t *testing.T) {
	ts := newTestStores(t)
	ctx := context.Background()
	p := ts.seedPipeline(t)
	task := ts.seedTask(t, p.ID, "open", nil)

	seedFailure := func() {
		t.Helper()
		run := &models.AgentRun{TaskID: task.ID, Status: models.RunStatusFailed, Outcome: "failed"}
		if err := ts.tasks.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		seedFailure()
	}

	// Three failures sit exactly at the default limit: the retry still goes.
	tx := ts.begin(t)
	got := MaxRetries(ctx, task, nil, engine.TransitionContext{}, tx, nil)
	if !got.Allowed {
		t.Errorf("at the limit = %+v, want allow", got)
	}

	got = MaxRetries(ctx, task, nil, engine.TransitionContext{}, tx, map[string]interface{}{"max": 2})
	if got.Allowed || got.Reason != "Retry limit reached: 3 failed runs (max 2)" {
		t.Errorf("over a tighter limit = %+v", got)
	}

	// JSON-decoded definitions hand the param over as float64.
	got = MaxRetries(ctx, task, nil, engine.TransitionContext{}, tx, map[string]interface{}{"max": float64(2)})
	if got.Allowed {
		t.Errorf("float64 param = %+v, want the same denial", got)
	}
	_ = tx.Rollback()

	seedFailure()
	tx = ts.begin(t)
	got = MaxRetries(ctx, task, nil, engine.TransitionContext{}, tx, nil)
	_ = tx.Rollback()
	if got.Allowed || got.Reason != "Retry limit reached: 4 failed runs (max 3)" {
		t.Errorf("past the default limit = %+v", got)
	}
}

func TestHasPendingPhases(t *testing.T) {
	ts := newTestStores(t)
	ctx := context.Background()
	p := ts.seedPipeline(t)
	task := ts.seedTask(t, p.ID, "open", nil)

	tx := ts.begin(t)
	got := HasPendingPhases(ctx, task, nil, engine.TransitionContext{}, tx, nil)
	_ = tx.Rollback()
	if got.Allowed || got.Reason != "Task has no phases" {
		t.Errorf("no phases = %+v", got)
	}

	phases := []*models.Phase{
		{Name: "Schema", Status: models.PhaseStatusCompleted},
		{Name: "API", Status: models.PhaseStatusPending},
	}
	if err := ts.tasks.InstallPhases(ctx, task.ID, phases); err != nil {
		t.Fatalf("failed to install phases: %v", err)
	}

	tx = ts.begin(t)
	got = HasPendingPhases(ctx, task, nil, engine.TransitionContext{}, tx, nil)
	_ = tx.Rollback()
	if !got.Allowed {
		t.Errorf("pending phase = %+v, want allow", got)
	}

	if err := ts.tasks.UpdatePhaseStatus(ctx, phases[1].ID, models.PhaseStatusCompleted); err != nil {
		t.Fatalf("failed to complete phase: %v", err)
	}

	tx = ts.begin(t)
	got = HasPendingPhases(ctx, task, nil, engine.TransitionContext{}, tx, nil)
	_ = tx.Rollback()
	if got.Allowed || got.Reason != "No pending phases remain" {
		t.Errorf("exhausted phases = %+v", got)
	}
}

func TestIntParam(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]interface{}
		want   int
	}{
		{"nil params", nil, 3},
		{"missing key", map[string]interface{}{"other": 5}, 3},
		{"int", map[string]interface{}{"max": 5}, 5},
		{"int64", map[string]interface{}{"max": int64(6)}, 6},
		{"float64", map[string]interface{}{"max": float64(7)}, 7},
		{"wrong type", map[string]interface{}{"max": "7"}, 3},
	}
	for _, tc := range cases {
		if got := intParam(tc.params, "max", 3); got != tc.want {
			t.Errorf("%s: intParam() = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestRegisterAll(t *testing.T) {
	ts := newTestStores(t)
	ctx := context.Background()

	memBus := bus.NewMemoryEventBus(ts.log)
	t.Cleanup(memBus.Close)
	recorder := activity.NewRecorder(ts.tasks, memBus, ts.log)
	eng := engine.New(ts.tasks, ts.pipelines, recorder, memBus, ts.log)
	RegisterAll(eng, ts.pipelines)

	p := &pmodels.Pipeline{
		Name:     "Delivery",
		TaskType: "feature",
		Statuses: []pmodels.Status{
			{Name: "open", Label: "Open"},
			{Name: "pr_review", Label: "PR Review"},
			{Name: "done", Label: "Done", IsFinal: true},
		},
		Transitions: []pmodels.Transition{{
			From: "pr_review", To: "done", Trigger: pmodels.TriggerManual,
			Guards: []pmodels.GuardRef{{Name: "has_pr"}, {Name: "no_running_agent"}, {Name: "max_retries"}},
		}},
	}
	if err := ts.pipelines.Create(ctx, p); err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	bare := ts.seedTask(t, p.ID, "pr_review", nil)
	check, err := eng.CheckGuards(ctx, bare, "done", pmodels.TriggerManual)
	if err != nil {
		t.Fatalf("CheckGuards() error = %v", err)
	}
	if check == nil || check.Allowed {
		t.Fatalf("check = %+v, want blocked without a PR", check)
	}
	if check.Guards[0].Guard != "has_pr" || check.Guards[0].Reason != "Task must have a PR link" {
		t.Errorf("guards = %+v", check.Guards)
	}

	ready := ts.seedTask(t, p.ID, "pr_review", func(task *models.Task) {
		task.PRLink = "https://github.com/acme/widget/pull/7"
	})
	check, err = eng.CheckGuards(ctx, ready, "done", pmodels.TriggerManual)
	if err != nil {
		t.Fatalf("CheckGuards() error = %v", err)
	}
	if check == nil || !check.Allowed {
		t.Errorf("check = %+v, want allowed", check)
	}
}
