package worktree

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pipedev/pipedev/internal/db"
)

// Worktree is one task's checkout. TaskID is the primary key: a task never
// has more than one worktree.
type Worktree struct {
	TaskID    string    `json:"taskId"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	Locked    bool      `json:"locked"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const worktreeColumns = "task_id, path, branch, locked, created_at, updated_at"

// Store persists the task→worktree mapping.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// NewStore creates a store on an existing pool.
func NewStore(pool *db.Pool) *Store {
	return &Store{db: pool.Writer(), ro: pool.Reader()}
}

// Create inserts a worktree record. A duplicate task ID maps to
// ErrWorktreeExists so racing creators fail the same way the pre-check does.
func (s *Store) Create(ctx context.Context, wt *Worktree) error {
	now := time.Now().UTC()
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = now
	}
	if wt.UpdatedAt.IsZero() {
		wt.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO worktrees (`+worktreeColumns+`) VALUES (?, ?, ?, ?, ?, ?)
	`), wt.TaskID, wt.Path, wt.Branch, wt.Locked, wt.CreatedAt, wt.UpdatedAt)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("%w: %s", ErrWorktreeExists, wt.TaskID)
	}
	return err
}

// Get returns the worktree for a task.
func (s *Store) Get(ctx context.Context, taskID string) (*Worktree, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+worktreeColumns+` FROM worktrees WHERE task_id = ?
	`), taskID)
	wt, err := scanWorktree(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return wt, nil
}

// List returns all worktrees, oldest first.
func (s *Store) List(ctx context.Context) ([]*Worktree, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wt)
	}
	return result, rows.Err()
}

// TryLock acquires the cooperative lock. The WHERE clause makes it atomic:
// only one caller can flip locked from 0 to 1.
func (s *Store) TryLock(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE worktrees SET locked = ?, updated_at = ? WHERE task_id = ? AND locked = ?
	`), true, time.Now().UTC(), taskID, false)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.Get(ctx, taskID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, taskID)
	}
	return nil
}

// Unlock releases the cooperative lock. Unlocking an unlocked worktree is
// fine; unlocking a missing one is ErrWorktreeNotFound.
func (s *Store) Unlock(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE worktrees SET locked = ?, updated_at = ? WHERE task_id = ?
	`), false, time.Now().UTC(), taskID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, taskID)
	}
	return nil
}

// Update rewrites a worktree's mutable fields (path, branch, lock state).
func (s *Store) Update(ctx context.Context, wt *Worktree) error {
	wt.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE worktrees SET path = ?, branch = ?, locked = ?, updated_at = ? WHERE task_id = ?
	`), wt.Path, wt.Branch, wt.Locked, wt.UpdatedAt, wt.TaskID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, wt.TaskID)
	}
	return nil
}

// Delete removes a worktree record.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM worktrees WHERE task_id = ?`), taskID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, taskID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorktree(row rowScanner) (*Worktree, error) {
	wt := &Worktree{}
	err := row.Scan(&wt.TaskID, &wt.Path, &wt.Branch, &wt.Locked, &wt.CreatedAt, &wt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return wt, nil
}
