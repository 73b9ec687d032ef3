package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pipedev/pipedev/internal/common/jsonutil"
	"github.com/pipedev/pipedev/internal/db/dialect"
	"github.com/pipedev/pipedev/internal/task/models"
)

// AppendTransition writes the audit row for a status change inside the same
// transaction that commits the change.
func (t *Tx) AppendTransition(ctx context.Context, rec *models.TransitionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		INSERT INTO transition_history (id, task_id, pipeline_id, from_status, to_status, trigger, actor, forced, guard_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.TaskID, rec.PipelineID, rec.FromStatus, rec.ToStatus, rec.Trigger,
		rec.Actor, dialect.BoolToInt(rec.Forced), string(jsonutil.MarshalOrEmpty(rec.GuardResults)),
		rec.CreatedAt)
	return err
}

// ListTransitionsByTask returns a task's transition audit rows, newest first.
func (s *Store) ListTransitionsByTask(ctx context.Context, taskID string, limit int) ([]*models.TransitionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, pipeline_id, from_status, to_status, trigger, actor, forced, guard_results, created_at
		FROM transition_history WHERE task_id = ? ORDER BY created_at DESC LIMIT ?
	`), taskID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.TransitionRecord
	for rows.Next() {
		rec := &models.TransitionRecord{}
		var guardResults string
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.PipelineID, &rec.FromStatus, &rec.ToStatus,
			&rec.Trigger, &rec.Actor, &rec.Forced, &guardResults, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.GuardResults = jsonutil.ParseMap([]byte(guardResults), nil)
		result = append(result, rec)
	}
	return result, rows.Err()
}
