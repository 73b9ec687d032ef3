// Package persistence creates the database handles used by stores and runs
// schema migrations at startup.
package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/db"
)

// Provide creates the database pool selected by the configuration.
func Provide(cfg *config.DatabaseConfig, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Driver {
	case "", "sqlite":
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := db.NewPool(writer, reader)
		if log != nil {
			log.Info("Database initialized", zap.String("db_path", cfg.Path), zap.String("db_driver", "sqlite"))
		}
		cleanup := func() error {
			// Run PRAGMA optimize before closing to update query planner
			// statistics for tables that need it. SQLite recommends doing
			// this on every close.
			_, _ = writer.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil
	case "postgres":
		conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		pool := db.NewPool(conn, conn)
		if log != nil {
			log.Info("Database initialized", zap.String("db_name", cfg.DBName), zap.String("db_driver", "postgres"))
		}
		return pool, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
