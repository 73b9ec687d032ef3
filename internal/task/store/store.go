// Package store persists tasks and everything tasks own: agent runs,
// phases, artifacts, pending prompts, context entries, plus the append-only
// activity and transition audit tables.
//
// Writes go to the writer pool, reads to the read-only pool. Timestamps are
// UTC. JSON columns are written strictly and read tolerantly (a malformed
// value degrades to the zero value, never to an error).
package store

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/pipedev/pipedev/internal/db"
)

// ErrTaskNotFound reports a missing task row. The engine's transactional
// re-read branches on it with errors.Is.
var ErrTaskNotFound = errors.New("task not found")

// ErrStatusConflict reports that a guarded status update matched no row:
// the task moved concurrently between read and write.
var ErrStatusConflict = errors.New("status conflict")

// Store provides SQL-backed task storage operations.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// New creates a store on an existing pool. The pool stays owned by the
// caller; closing it is not the store's job.
func New(pool *db.Pool) *Store {
	return &Store{db: pool.Writer(), ro: pool.Reader()}
}

// Tx is a writer transaction. Reads through a Tx observe its own
// uncommitted writes, which is what transition guards rely on.
type Tx struct {
	tx *sqlx.Tx
}

// Begin opens a writer transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. After Commit it returns sql.ErrTxDone,
// which deferred callers ignore.
func (t *Tx) Rollback() error { return t.tx.Rollback() }
