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

// CreateArtifact appends an artifact for a task.
func (s *Store) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO artifacts (id, task_id, type, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), artifact.ID, artifact.TaskID, artifact.Type,
		string(jsonutil.MarshalOrEmpty(artifact.Data)), artifact.CreatedAt)
	return err
}

// ListArtifactsByTask returns a task's artifacts, newest first.
func (s *Store) ListArtifactsByTask(ctx context.Context, taskID string) ([]*models.Artifact, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, type, data, created_at FROM artifacts WHERE task_id = ? ORDER BY created_at DESC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, artifact)
	}
	return result, rows.Err()
}

// LatestArtifact returns the newest artifact of a type for a task. Hooks use
// this to find the PR to merge.
func (s *Store) LatestArtifact(ctx context.Context, taskID, artifactType string) (*models.Artifact, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, type, data, created_at FROM artifacts
		WHERE task_id = ? AND type = ? ORDER BY created_at DESC LIMIT 1
	`), taskID, artifactType)
	artifact, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no %s artifact for task: %s", artifactType, taskID)
	}
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	artifact := &models.Artifact{}
	var data string
	err := row.Scan(&artifact.ID, &artifact.TaskID, &artifact.Type, &data, &artifact.CreatedAt)
	if err != nil {
		return nil, err
	}
	artifact.Data = jsonutil.ParseMap([]byte(data), nil)
	return artifact, nil
}
