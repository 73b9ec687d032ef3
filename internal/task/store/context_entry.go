package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pipedev/pipedev/internal/task/models"
)

// CreateContextEntry appends a context entry for a task.
func (s *Store) CreateContextEntry(ctx context.Context, entry *models.ContextEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Kind == "" {
		entry.Kind = models.ContextKindNote
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO context_entries (id, task_id, agent_run_id, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.TaskID, entry.AgentRunID, entry.Kind, entry.Content, entry.CreatedAt)
	return err
}

// ListContextEntriesByTask returns a task's context entries, oldest first,
// the order prompts consume them in.
func (s *Store) ListContextEntriesByTask(ctx context.Context, taskID string) ([]*models.ContextEntry, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, agent_run_id, kind, content, created_at FROM context_entries
		WHERE task_id = ? ORDER BY created_at
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ContextEntry
	for rows.Next() {
		entry := &models.ContextEntry{}
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.AgentRunID, &entry.Kind, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}
