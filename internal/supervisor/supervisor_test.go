package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pipedev/pipedev/internal/activity"
	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/db"
	"github.com/pipedev/pipedev/internal/events/bus"
	"github.com/pipedev/pipedev/internal/persistence"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/task/store"
)

type fakeController struct {
	mu      sync.Mutex
	live    []string
	stopped []string
	stopErr error
}

func (f *fakeController) LiveRunIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.live...)
}

func (f *fakeController) StopForTimeout(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, runID)
	return f.stopErr
}

func (f *fakeController) stops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type supEnv struct {
	sup   *Supervisor
	tasks *store.Store
	ctl   *fakeController
}

func newSupEnv(t *testing.T, mutate func(*config.SupervisorConfig, *config.AgentConfig)) *supEnv {
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
	recorder := activity.NewRecorder(tasks, memBus, log)

	supCfg := config.SupervisorConfig{IntervalMs: 10}
	agentCfg := config.AgentConfig{DefaultTimeoutMs: 600_000}
	if mutate != nil {
		mutate(&supCfg, &agentCfg)
	}

	ctl := &fakeController{}
	return &supEnv{
		sup:   New(tasks, ctl, recorder, supCfg, agentCfg, log),
		tasks: tasks,
		ctl:   ctl,
	}
}

func (env *supEnv) seedTask(t *testing.T) *models.Task {
	t.Helper()
	task := &models.Task{PipelineID: "p1", Title: "Build the widget", Status: "implementing"}
	if err := env.tasks.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func (env *supEnv) seedRun(t *testing.T, taskID string, startedAt time.Time, timeoutMs int) *models.AgentRun {
	t.Helper()
	run := &models.AgentRun{
		TaskID:    taskID,
		AgentType: "claude-code",
		Mode:      "implement",
		StartedAt: startedAt,
		TimeoutMs: timeoutMs,
	}
	if err := env.tasks.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func (env *supEnv) getRun(t *testing.T, id string) *models.AgentRun {
	t.Helper()
	run, err := env.tasks.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	return run
}

func (env *supEnv) events(t *testing.T, taskID string) []*models.TaskEvent {
	t.Helper()
	evts, err := env.tasks.ListEventsByTask(context.Background(), taskID, 100, 0)
	if err != nil {
		t.Fatalf("ListEventsByTask() error = %v", err)
	}
	return evts
}

func hasEvent(evts []*models.TaskEvent, severity models.EventSeverity, substr string) bool {
	for _, evt := range evts {
		if evt.Severity == severity && strings.Contains(evt.Message, substr) {
			return true
		}
	}
	return false
}

func TestTick_ReapsGhostRun(t *testing.T) {
	ctx := context.Background()
	env := newSupEnv(t, nil)
	task := env.seedTask(t)
	run := env.seedRun(t, task.ID, time.Now().UTC().Add(-time.Minute), 5000)

	env.sup.tick(ctx)

	got := env.getRun(t, run.ID)
	if got.Status != models.RunStatusFailed {
		t.Errorf("run status = %q, want %q", got.Status, models.RunStatusFailed)
	}
	if got.Outcome != "interrupted" {
		t.Errorf("run outcome = %q, want interrupted", got.Outcome)
	}
	if !strings.Contains(got.Output, "[run reaped by supervisor") {
		t.Errorf("run output = %q, want reap note", got.Output)
	}
	if !hasEvent(env.events(t, task.ID), models.SeverityWarning, "Ghost run") {
		t.Error("expected a warning event naming the ghost run")
	}
	if len(env.ctl.stops()) != 0 {
		t.Errorf("stops = %v, want none for a ghost", env.ctl.stops())
	}
}

func TestTick_GhostGraceSkipsFreshRows(t *testing.T) {
	ctx := context.Background()
	env := newSupEnv(t, nil)
	task := env.seedTask(t)
	run := env.seedRun(t, task.ID, time.Now().UTC(), 5000)

	env.sup.tick(ctx)

	got := env.getRun(t, run.ID)
	if got.Status != models.RunStatusRunning {
		t.Errorf("run status = %q, want still running inside the grace window", got.Status)
	}
	if evts := env.events(t, task.ID); len(evts) != 0 {
		t.Errorf("events = %d, want none", len(evts))
	}
}

func TestTick_StopsRunPastDeadline(t *testing.T) {
	ctx := context.Background()
	env := newSupEnv(t, nil)
	task := env.seedTask(t)
	run := env.seedRun(t, task.ID, time.Now().UTC().Add(-time.Minute), 5000)
	env.ctl.live = []string{run.ID}

	env.sup.tick(ctx)

	stops := env.ctl.stops()
	if len(stops) != 1 || stops[0] != run.ID {
		t.Errorf("stops = %v, want [%s]", stops, run.ID)
	}
	got := env.getRun(t, run.ID)
	if got.Status != models.RunStatusTimedOut {
		t.Errorf("run status = %q, want %q", got.Status, models.RunStatusTimedOut)
	}
	if got.Outcome != "failed" {
		t.Errorf("run outcome = %q, want failed", got.Outcome)
	}
	if !strings.Contains(got.Output, "stopped by supervisor") {
		t.Errorf("run output = %q, want timeout note", got.Output)
	}
	if !hasEvent(env.events(t, task.ID), models.SeverityWarning, "timed out") {
		t.Error("expected a warning event naming the timeout")
	}
}

func TestTick_LeavesHealthyRunsAlone(t *testing.T) {
	ctx := context.Background()
	env := newSupEnv(t, nil)
	task := env.seedTask(t)
	withLimit := env.seedRun(t, task.ID, time.Now().UTC(), 60_000)
	withDefault := env.seedRun(t, task.ID, time.Now().UTC().Add(-time.Minute), 0)
	env.ctl.live = []string{withLimit.ID, withDefault.ID}

	env.sup.tick(ctx)

	if stops := env.ctl.stops(); len(stops) != 0 {
		t.Errorf("stops = %v, want none", stops)
	}
	for _, id := range []string{withLimit.ID, withDefault.ID} {
		if got := env.getRun(t, id); got.Status != models.RunStatusRunning {
			t.Errorf("run %s status = %q, want still running", id, got.Status)
		}
	}
	if evts := env.events(t, task.ID); len(evts) != 0 {
		t.Errorf("events = %d, want none", len(evts))
	}
}

func TestTick_DefaultDeadlineAppliesWhenRowHasNone(t *testing.T) {
	ctx := context.Background()
	env := newSupEnv(t, func(_ *config.SupervisorConfig, agent *config.AgentConfig) {
		agent.DefaultTimeoutMs = 30_000
	})
	task := env.seedTask(t)
	run := env.seedRun(t, task.ID, time.Now().UTC().Add(-time.Minute), 0)
	env.ctl.live = []string{run.ID}

	env.sup.tick(ctx)

	if got := env.getRun(t, run.ID); got.Status != models.RunStatusTimedOut {
		t.Errorf("run status = %q, want %q", got.Status, models.RunStatusTimedOut)
	}
}

func TestTick_ToleratesStopError(t *testing.T) {
	ctx := context.Background()
	env := newSupEnv(t, nil)
	task := env.seedTask(t)
	run := env.seedRun(t, task.ID, time.Now().UTC().Add(-time.Minute), 5000)
	env.ctl.live = []string{run.ID}
	env.ctl.stopErr = errors.New("run is not live")

	env.sup.tick(ctx)

	if got := env.getRun(t, run.ID); got.Status != models.RunStatusTimedOut {
		t.Errorf("run status = %q, want timed_out despite stop error", got.Status)
	}
}

func TestStartStop_LoopReapsAndLifecycleIsSafe(t *testing.T) {
	ctx := context.Background()
	env := newSupEnv(t, nil)

	env.sup.Stop()
	if env.sup.IsRunning() {
		t.Fatal("IsRunning() = true before Start")
	}

	task := env.seedTask(t)
	run := env.seedRun(t, task.ID, time.Now().UTC().Add(-time.Minute), 5000)

	env.sup.Start(ctx)
	env.sup.Start(ctx)
	if !env.sup.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if env.getRun(t, run.ID).Status == models.RunStatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := env.getRun(t, run.ID); got.Status != models.RunStatusFailed {
		t.Fatalf("run status = %q, want failed after loop ticks", got.Status)
	}

	env.sup.Stop()
	if env.sup.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	env.sup.Stop()
}
