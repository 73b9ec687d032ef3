// Package store persists pipeline definitions. A pipeline's statuses and
// transitions are stored as JSON documents and materialized whole; the
// engine never queries inside them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pipedev/pipedev/internal/db"
	"github.com/pipedev/pipedev/internal/pipeline/models"
)

const pipelineColumns = `id, name, task_type, statuses, transitions, created_at, updated_at`

// Store provides SQL-backed pipeline storage operations.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// New creates a store on an existing pool.
func New(pool *db.Pool) *Store {
	return &Store{db: pool.Writer(), ro: pool.Reader()}
}

// Create persists a new pipeline after validating it.
func (s *Store) Create(ctx context.Context, p *models.Pipeline) error {
	if err := Validate(p); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	statuses, err := json.Marshal(p.Statuses)
	if err != nil {
		return fmt.Errorf("failed to serialize statuses: %w", err)
	}
	transitions, err := json.Marshal(p.Transitions)
	if err != nil {
		return fmt.Errorf("failed to serialize transitions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO pipelines (`+pipelineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.Name, p.TaskType, string(statuses), string(transitions), p.CreatedAt, p.UpdatedAt)
	return err
}

// Get retrieves a pipeline by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Pipeline, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`), id)
	p, err := scanPipeline(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pipeline not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetByTaskType retrieves the pipeline bound to a task type.
func (s *Store) GetByTaskType(ctx context.Context, taskType string) (*models.Pipeline, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+pipelineColumns+` FROM pipelines WHERE task_type = ?`), taskType)
	p, err := scanPipeline(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no pipeline for task type: %s", taskType)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// List returns every pipeline, oldest first.
func (s *Store) List(ctx context.Context) ([]*models.Pipeline, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Update replaces a pipeline definition. Tasks keep whatever status they
// already have; edits only shape future transitions.
func (s *Store) Update(ctx context.Context, p *models.Pipeline) error {
	if err := Validate(p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	statuses, err := json.Marshal(p.Statuses)
	if err != nil {
		return fmt.Errorf("failed to serialize statuses: %w", err)
	}
	transitions, err := json.Marshal(p.Transitions)
	if err != nil {
		return fmt.Errorf("failed to serialize transitions: %w", err)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE pipelines SET name = ?, task_type = ?, statuses = ?, transitions = ?, updated_at = ?
		WHERE id = ?
	`), p.Name, p.TaskType, string(statuses), string(transitions), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("pipeline not found: %s", p.ID)
	}
	return nil
}

// Delete removes a pipeline definition.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM pipelines WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("pipeline not found: %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanPipeline scans one pipeline row. Unlike task-side JSON columns these
// parse strictly: a pipeline that cannot be decoded must fail loudly, or
// every task bound to it would misbehave silently.
func scanPipeline(row rowScanner) (*models.Pipeline, error) {
	p := &models.Pipeline{}
	var statuses, transitions string
	err := row.Scan(&p.ID, &p.Name, &p.TaskType, &statuses, &transitions, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(statuses), &p.Statuses); err != nil {
		return nil, fmt.Errorf("failed to deserialize statuses for pipeline %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(transitions), &p.Transitions); err != nil {
		return nil, fmt.Errorf("failed to deserialize transitions for pipeline %s: %w", p.ID, err)
	}
	return p, nil
}
