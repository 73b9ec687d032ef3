// Package db opens database handles for the persistence layer.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// busyTimeoutMs is how long a connection waits on a locked database before
// surfacing SQLITE_BUSY. Five seconds rides out any migration or checkpoint.
const busyTimeoutMs = 5000

// readerConns bounds the read pool. WAL permits arbitrarily many readers;
// four keeps file-descriptor use modest for a single-host service.
const readerConns = 4

// sqliteDSN builds a file: DSN for go-sqlite3. mode is "rwc" for the writer
// and "ro" for readers; journal/synchronous pragmas only apply on the
// writer because they are database-level settings.
func sqliteDSN(path, mode string, writer bool) string {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared", path, mode, busyTimeoutMs)
	if writer {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return dsn
}

// OpenSQLite opens the write handle: a single connection so writes
// serialize in-process instead of colliding as SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sqlx.DB, error) {
	path := absSQLitePath(dbPath)
	if err := touchSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	conn, err := sqlx.Open("sqlite3", sqliteDSN(path, "rwc", true))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read handle: several read-only connections
// that see WAL snapshots without blocking the writer.
func OpenSQLiteReader(dbPath string) (*sqlx.DB, error) {
	conn, err := sqlx.Open("sqlite3", sqliteDSN(absSQLitePath(dbPath), "ro", false))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(readerConns)
	conn.SetMaxIdleConns(readerConns)
	return conn, nil
}

// touchSQLiteFile makes sure the database file and its directory exist
// before the read-only pool opens; _mode=ro cannot create either.
func touchSQLiteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// absSQLitePath resolves the path so writer and reader agree on the same
// shared cache regardless of the process working directory.
func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
