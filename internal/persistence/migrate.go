package persistence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/db"
)

// Migration is a single schema change identified by name and applied at most
// once. Migrations run in ascending name order, each inside its own
// transaction, so a failed migration leaves the schema at the previous step.
type Migration struct {
	Name       string
	Statements []string
}

// Migrate applies all unapplied migrations and returns how many ran.
func Migrate(ctx context.Context, pool *db.Pool, migrations []Migration, log *logger.Logger) (int, error) {
	w := pool.Writer()
	if _, err := w.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := w.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return 0, err
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	count := 0
	for _, m := range ordered {
		if applied[m.Name] {
			continue
		}
		tx, err := w.BeginTxx(ctx, nil)
		if err != nil {
			return count, fmt.Errorf("failed to begin migration %s: %w", m.Name, err)
		}
		for _, stmt := range m.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return count, fmt.Errorf("migration %s failed: %w", m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, w.Rebind(
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`),
			m.Name, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return count, fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return count, fmt.Errorf("failed to commit migration %s: %w", m.Name, err)
		}
		if log != nil {
			log.Debug("Applied migration", zap.String("migration", m.Name))
		}
		count++
	}
	return count, nil
}
