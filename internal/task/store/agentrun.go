package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipedev/pipedev/internal/common/jsonutil"
	"github.com/pipedev/pipedev/internal/task/models"
)

const runColumns = `id, task_id, agent_type, mode, status, output, outcome, payload, exit_code, started_at, completed_at, cost_input_tokens, cost_output_tokens, message_count, timeout_ms, max_turns, prompt, error`

// CreateRun persists a new agent run. Status defaults to running and
// StartedAt to now, which is what callers want at spawn time.
func (s *Store) CreateRun(ctx context.Context, run *models.AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.TaskID, run.AgentType, run.Mode, run.Status, run.Output, run.Outcome,
		string(jsonutil.MarshalOrEmpty(run.Payload)), run.ExitCode, run.StartedAt, run.CompletedAt,
		run.CostInputTokens, run.CostOutputTokens, run.MessageCount, run.TimeoutMs, run.MaxTurns,
		run.Prompt, run.Error)
	return err
}

// GetRun retrieves an agent run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+runColumns+` FROM agent_runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent run not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRunsByTask returns a task's runs, newest first.
func (s *Store) ListRunsByTask(ctx context.Context, taskID string) ([]*models.AgentRun, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM agent_runs WHERE task_id = ? ORDER BY started_at DESC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

// LatestRunByTask returns the most recently started run for a task, or a
// not-found error when the task has none.
func (s *Store) LatestRunByTask(ctx context.Context, taskID string) (*models.AgentRun, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM agent_runs WHERE task_id = ? ORDER BY started_at DESC LIMIT 1
	`), taskID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no agent runs for task: %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRunningRuns returns every run still marked running. The supervisor
// reconciles this set against the executor's live set each tick.
func (s *Store) ListRunningRuns(ctx context.Context) ([]*models.AgentRun, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM agent_runs WHERE status = ? ORDER BY started_at
	`), models.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

// UpdateRunProgress flushes the streaming fields of a live run.
func (s *Store) UpdateRunProgress(ctx context.Context, run *models.AgentRun) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_runs
		SET output = ?, cost_input_tokens = ?, cost_output_tokens = ?, message_count = ?, timeout_ms = ?, max_turns = ?
		WHERE id = ?
	`), run.Output, run.CostInputTokens, run.CostOutputTokens, run.MessageCount, run.TimeoutMs, run.MaxTurns, run.ID)
	return err
}

// CompleteRun persists the terminal state of a run. CompletedAt defaults to
// now when unset.
func (s *Store) CompleteRun(ctx context.Context, run *models.AgentRun) error {
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_runs
		SET status = ?, output = ?, outcome = ?, payload = ?, exit_code = ?, completed_at = ?, cost_input_tokens = ?, cost_output_tokens = ?, message_count = ?, prompt = ?, error = ?
		WHERE id = ?
	`), run.Status, run.Output, run.Outcome, string(jsonutil.MarshalOrEmpty(run.Payload)),
		run.ExitCode, run.CompletedAt, run.CostInputTokens, run.CostOutputTokens,
		run.MessageCount, run.Prompt, run.Error, run.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent run not found: %s", run.ID)
	}
	return nil
}

// MarkRunInterrupted finishes a run the process lost track of: failed with
// outcome interrupted, note appended to its output. A run that already
// finished is left untouched.
func (s *Store) MarkRunInterrupted(ctx context.Context, id, note string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_runs
		SET status = ?, outcome = ?, output = output || ?, completed_at = ?
		WHERE id = ? AND status = ?
	`), models.RunStatusFailed, "interrupted", note, time.Now().UTC(), id, models.RunStatusRunning)
	return err
}

// MarkRunTimedOut finishes a run that exceeded its deadline. A run that
// already finished is left untouched.
func (s *Store) MarkRunTimedOut(ctx context.Context, id, note string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_runs
		SET status = ?, outcome = ?, output = output || ?, completed_at = ?
		WHERE id = ? AND status = ?
	`), models.RunStatusTimedOut, "failed", note, time.Now().UTC(), id, models.RunStatusRunning)
	return err
}

// CountRunningRuns counts a task's live runs inside the transaction.
func (t *Tx) CountRunningRuns(ctx context.Context, taskID string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, t.tx.Rebind(`
		SELECT COUNT(*) FROM agent_runs WHERE task_id = ? AND status = ?
	`), taskID, models.RunStatusRunning).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountFailedRunOutcomes counts a task's runs that ended with outcome
// failed, inside the transaction.
func (t *Tx) CountFailedRunOutcomes(ctx context.Context, taskID string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, t.tx.Rebind(`
		SELECT COUNT(*) FROM agent_runs WHERE task_id = ? AND outcome = ?
	`), taskID, "failed").Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func scanRun(row rowScanner) (*models.AgentRun, error) {
	run := &models.AgentRun{}
	var payload string
	var completedAt sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.TaskID,
		&run.AgentType,
		&run.Mode,
		&run.Status,
		&run.Output,
		&run.Outcome,
		&payload,
		&run.ExitCode,
		&run.StartedAt,
		&completedAt,
		&run.CostInputTokens,
		&run.CostOutputTokens,
		&run.MessageCount,
		&run.TimeoutMs,
		&run.MaxTurns,
		&run.Prompt,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.Payload = jsonutil.ParseMap([]byte(payload), nil)
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]*models.AgentRun, error) {
	var result []*models.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}
