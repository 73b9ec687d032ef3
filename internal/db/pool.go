package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write handle with a read handle over the same database.
//
// SQLite needs the split: WAL mode lets any number of readers run against
// snapshots while all writes funnel through one connection, so the writer
// handle is capped at a single open connection and the reader handle fans
// out. Postgres pools internally, so both handles may be the same *sqlx.DB.
type Pool struct {
	w *sqlx.DB
	r *sqlx.DB
}

// NewPool wraps the given handles. Passing the same handle twice is valid.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{w: writer, r: reader}
}

// Writer is the handle for statements that mutate, and for transactions.
func (p *Pool) Writer() *sqlx.DB { return p.w }

// Reader is the handle for SELECTs.
func (p *Pool) Reader() *sqlx.DB { return p.r }

// Close closes both handles, once each when they are shared.
func (p *Pool) Close() error {
	err := p.w.Close()
	if p.r == p.w {
		return err
	}
	if rerr := p.r.Close(); err == nil {
		err = rerr
	}
	return err
}
