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

const promptColumns = `id, task_id, agent_run_id, prompt_type, payload, response, status, created_at, answered_at`

// CreatePrompt persists a new pending prompt.
func (s *Store) CreatePrompt(ctx context.Context, prompt *models.PendingPrompt) error {
	if prompt.ID == "" {
		prompt.ID = uuid.New().String()
	}
	if prompt.Status == "" {
		prompt.Status = models.PromptStatusPending
	}
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO pending_prompts (`+promptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), prompt.ID, prompt.TaskID, prompt.AgentRunID, prompt.PromptType,
		string(jsonutil.MarshalOrEmpty(prompt.Payload)), nil, prompt.Status,
		prompt.CreatedAt, prompt.AnsweredAt)
	return err
}

// GetPrompt retrieves a prompt by ID.
func (s *Store) GetPrompt(ctx context.Context, id string) (*models.PendingPrompt, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+promptColumns+` FROM pending_prompts WHERE id = ?`), id)
	prompt, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("prompt not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return prompt, nil
}

// ListPendingPromptsByTask returns a task's unanswered prompts, oldest first.
func (s *Store) ListPendingPromptsByTask(ctx context.Context, taskID string) ([]*models.PendingPrompt, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+promptColumns+` FROM pending_prompts
		WHERE task_id = ? AND status = ? ORDER BY created_at
	`), taskID, models.PromptStatusPending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.PendingPrompt
	for rows.Next() {
		prompt, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, prompt)
	}
	return result, rows.Err()
}

// AnswerPrompt records a response on a still-pending prompt and returns the
// updated row. Answering twice, or answering an expired prompt, fails.
func (s *Store) AnswerPrompt(ctx context.Context, id string, response map[string]interface{}) (*models.PendingPrompt, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE pending_prompts SET response = ?, status = ?, answered_at = ?
		WHERE id = ? AND status = ?
	`), string(jsonutil.MarshalOrEmpty(response)), models.PromptStatusAnswered, now,
		id, models.PromptStatusPending)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("prompt not pending: %s", id)
	}

	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+promptColumns+` FROM pending_prompts WHERE id = ?`), id)
	return scanPrompt(row)
}

// ExpirePromptsByRun expires every pending prompt raised by a run and
// returns how many were affected.
func (s *Store) ExpirePromptsByRun(ctx context.Context, runID string) (int, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE pending_prompts SET status = ? WHERE agent_run_id = ? AND status = ?
	`), models.PromptStatusExpired, runID, models.PromptStatusPending)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// ExpirePromptsByTask expires every pending prompt for a task.
func (s *Store) ExpirePromptsByTask(ctx context.Context, taskID string) (int, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE pending_prompts SET status = ? WHERE task_id = ? AND status = ?
	`), models.PromptStatusExpired, taskID, models.PromptStatusPending)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func scanPrompt(row rowScanner) (*models.PendingPrompt, error) {
	prompt := &models.PendingPrompt{}
	var payload string
	var response sql.NullString
	var answeredAt sql.NullTime
	err := row.Scan(
		&prompt.ID,
		&prompt.TaskID,
		&prompt.AgentRunID,
		&prompt.PromptType,
		&payload,
		&response,
		&prompt.Status,
		&prompt.CreatedAt,
		&answeredAt,
	)
	if err != nil {
		return nil, err
	}
	if answeredAt.Valid {
		prompt.AnsweredAt = &answeredAt.Time
	}
	prompt.Payload = jsonutil.ParseMap([]byte(payload), nil)
	if response.Valid {
		prompt.Response = jsonutil.ParseMap([]byte(response.String), nil)
	}
	return prompt, nil
}
