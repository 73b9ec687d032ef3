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

const phaseColumns = `id, task_id, name, status, subtasks, pr_link, position, created_at, updated_at`

// CreatePhase persists a single phase.
func (s *Store) CreatePhase(ctx context.Context, phase *models.Phase) error {
	if phase.ID == "" {
		phase.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	phase.CreatedAt = now
	phase.UpdatedAt = now
	if phase.Status == "" {
		phase.Status = models.PhaseStatusPending
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO phases (`+phaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), phase.ID, phase.TaskID, phase.Name, phase.Status,
		string(jsonutil.MarshalOrList(phase.Subtasks)), phase.PRLink, phase.Position,
		phase.CreatedAt, phase.UpdatedAt)
	return err
}

// InstallPhases replaces a task's phases with the given ordered set in one
// transaction. Positions are assigned from slice order.
func (s *Store) InstallPhases(ctx context.Context, taskID string, phases []*models.Phase) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM phases WHERE task_id = ?`), taskID); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback phase install: %w", rollbackErr)
		}
		return err
	}

	now := time.Now().UTC()
	for i, phase := range phases {
		if phase.ID == "" {
			phase.ID = uuid.New().String()
		}
		phase.TaskID = taskID
		phase.Position = i
		if phase.Status == "" {
			phase.Status = models.PhaseStatusPending
		}
		phase.CreatedAt = now
		phase.UpdatedAt = now

		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO phases (`+phaseColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), phase.ID, phase.TaskID, phase.Name, phase.Status,
			string(jsonutil.MarshalOrList(phase.Subtasks)), phase.PRLink, phase.Position,
			phase.CreatedAt, phase.UpdatedAt)
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				return fmt.Errorf("failed to rollback phase install: %w", rollbackErr)
			}
			return err
		}
	}

	return tx.Commit()
}

// GetPhase retrieves a phase by ID.
func (s *Store) GetPhase(ctx context.Context, id string) (*models.Phase, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+phaseColumns+` FROM phases WHERE id = ?`), id)
	phase, err := scanPhase(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("phase not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return phase, nil
}

// ListPhases returns a task's phases in position order.
func (s *Store) ListPhases(ctx context.Context, taskID string) ([]*models.Phase, error) {
	return listPhases(ctx, s.ro, taskID)
}

// ListPhases returns a task's phases inside the transaction.
func (t *Tx) ListPhases(ctx context.Context, taskID string) ([]*models.Phase, error) {
	return listPhases(ctx, t.tx, taskID)
}

func listPhases(ctx context.Context, q querier, taskID string) ([]*models.Phase, error) {
	rows, err := q.QueryContext(ctx, q.Rebind(`
		SELECT `+phaseColumns+` FROM phases WHERE task_id = ? ORDER BY position
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Phase
	for rows.Next() {
		phase, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, phase)
	}
	return result, rows.Err()
}

// UpdatePhase updates a phase's mutable columns.
func (s *Store) UpdatePhase(ctx context.Context, phase *models.Phase) error {
	phase.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE phases SET name = ?, status = ?, subtasks = ?, pr_link = ?, position = ?, updated_at = ?
		WHERE id = ?
	`), phase.Name, phase.Status, string(jsonutil.MarshalOrList(phase.Subtasks)),
		phase.PRLink, phase.Position, phase.UpdatedAt, phase.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("phase not found: %s", phase.ID)
	}
	return nil
}

// UpdatePhaseStatus sets just the status.
func (s *Store) UpdatePhaseStatus(ctx context.Context, id string, status models.PhaseStatus) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE phases SET status = ?, updated_at = ? WHERE id = ?`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("phase not found: %s", id)
	}
	return nil
}

// SetPhasePRLink records the PR produced for a phase.
func (s *Store) SetPhasePRLink(ctx context.Context, id, prLink string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE phases SET pr_link = ?, updated_at = ? WHERE id = ?`), prLink, time.Now().UTC(), id)
	return err
}

func scanPhase(row rowScanner) (*models.Phase, error) {
	phase := &models.Phase{}
	var subtasks string
	err := row.Scan(
		&phase.ID,
		&phase.TaskID,
		&phase.Name,
		&phase.Status,
		&subtasks,
		&phase.PRLink,
		&phase.Position,
		&phase.CreatedAt,
		&phase.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = jsonutil.ParseInto([]byte(subtasks), &phase.Subtasks)
	return phase, nil
}
