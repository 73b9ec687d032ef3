// Package supervisor reconciles persisted agent run state against the
// executor's live set. Rows can outlive their process (crash, kill -9) or
// outlive their deadline (wedged subprocess); a timer loop reaps both so no
// run stays in running status forever.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/activity"
	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/task/models"
)

// ghostGrace is how old a running row must be before it can be declared a
// ghost. The executor persists the row shortly before registering the run
// live; rows younger than this wait for the next tick.
const ghostGrace = 2 * time.Second

// RunStore is the slice of run storage the supervisor reconciles.
type RunStore interface {
	ListRunningRuns(ctx context.Context) ([]*models.AgentRun, error)
	MarkRunInterrupted(ctx context.Context, id, note string) error
	MarkRunTimedOut(ctx context.Context, id, note string) error
}

// RunController is the executor surface the supervisor drives.
type RunController interface {
	LiveRunIDs() []string
	StopForTimeout(runID string) error
}

// Supervisor owns the reconciliation loop.
type Supervisor struct {
	runs     RunStore
	exec     RunController
	recorder *activity.Recorder
	log      *logger.Logger

	interval       time.Duration
	defaultTimeout time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a supervisor. The tick period comes from the supervisor config
// and the fallback deadline from the agent config, so the executor and the
// supervisor agree on what "too long" means for a run without its own limit.
func New(runs RunStore, exec RunController, recorder *activity.Recorder, cfg config.SupervisorConfig, agent config.AgentConfig, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	interval := cfg.Interval()
	if interval <= 0 {
		interval = time.Second
	}
	defaultTimeout := agent.DefaultTimeout()
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	return &Supervisor{
		runs:           runs,
		exec:           exec,
		recorder:       recorder,
		log:            log.WithFields(zap.String("component", "supervisor")),
		interval:       interval,
		defaultTimeout: defaultTimeout,
	}
}

// Start launches the loop. Calling Start on a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("supervisor starting", zap.Duration("interval", s.interval))
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the loop and waits out any in-flight tick. Safe without Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("supervisor stopped")
}

// IsRunning reports whether the loop is active.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick reconciles one snapshot of the running rows. Every failure is logged
// and swallowed; the loop must survive any single bad row.
func (s *Supervisor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("supervisor tick panicked", zap.Any("panic", r))
		}
	}()

	rows, err := s.runs.ListRunningRuns(ctx)
	if err != nil {
		s.log.Error("failed to list running rows", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	live := make(map[string]struct{})
	for _, id := range s.exec.LiveRunIDs() {
		live[id] = struct{}{}
	}

	now := time.Now().UTC()
	for _, run := range rows {
		if _, ok := live[run.ID]; !ok {
			s.reapGhost(ctx, run, now)
			continue
		}
		timeout := time.Duration(run.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = s.defaultTimeout
		}
		if now.Sub(run.StartedAt) > timeout {
			s.reapTimeout(ctx, run, timeout)
		}
	}
}

// reapGhost terminalizes a running row with no live execution behind it.
func (s *Supervisor) reapGhost(ctx context.Context, run *models.AgentRun, now time.Time) {
	if now.Sub(run.StartedAt) < ghostGrace {
		return
	}

	if err := s.runs.MarkRunInterrupted(ctx, run.ID, "\n[run reaped by supervisor: no live execution]"); err != nil {
		s.log.Error("failed to mark ghost run interrupted",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	s.log.Warn("ghost run reaped",
		zap.String("run_id", run.ID), zap.String("task_id", run.TaskID))
	s.recorder.Warning(ctx, run.TaskID, models.CategoryAgent,
		fmt.Sprintf("Ghost run %s marked interrupted: running row with no live execution", run.ID),
		map[string]interface{}{"run_id": run.ID, "mode": run.Mode})
}

// reapTimeout stops a live run that outlived its deadline. The direct row
// update covers executions too wedged to finish on their own;
// MarkRunTimedOut only touches rows still in running status.
func (s *Supervisor) reapTimeout(ctx context.Context, run *models.AgentRun, timeout time.Duration) {
	if err := s.exec.StopForTimeout(run.ID); err != nil {
		s.log.Debug("stop for timed-out run",
			zap.String("run_id", run.ID), zap.Error(err))
	}

	if err := s.runs.MarkRunTimedOut(ctx, run.ID, fmt.Sprintf("\n[run exceeded %s; stopped by supervisor]", timeout)); err != nil {
		s.log.Error("failed to mark run timed out",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	s.log.Warn("run timed out",
		zap.String("run_id", run.ID),
		zap.String("task_id", run.TaskID),
		zap.Duration("timeout", timeout))
	s.recorder.Warning(ctx, run.TaskID, models.CategoryAgent,
		fmt.Sprintf("agent run %s timed out after %s and was stopped", run.ID, timeout),
		map[string]interface{}{"run_id": run.ID, "mode": run.Mode})
}
