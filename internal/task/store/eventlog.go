package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pipedev/pipedev/internal/common/jsonutil"
	"github.com/pipedev/pipedev/internal/task/models"
)

// AppendEvent appends an activity log row. Rows are never updated or
// deleted and intentionally survive their task.
func (s *Store) AppendEvent(ctx context.Context, event *models.TaskEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_events (id, task_id, category, severity, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), event.ID, event.TaskID, event.Category, event.Severity, event.Message,
		string(jsonutil.MarshalOrEmpty(event.Data)), event.CreatedAt)
	return err
}

// ListEventsByTask returns a page of a task's activity, newest first.
func (s *Store) ListEventsByTask(ctx context.Context, taskID string, limit, offset int) ([]*models.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, category, severity, message, data, created_at FROM task_events
		WHERE task_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?
	`), taskID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.TaskEvent
	for rows.Next() {
		event := &models.TaskEvent{}
		var data string
		if err := rows.Scan(&event.ID, &event.TaskID, &event.Category, &event.Severity, &event.Message, &data, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Data = jsonutil.ParseMap([]byte(data), nil)
		result = append(result, event)
	}
	return result, rows.Err()
}
