package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/task/service"
)

// DefaultConfig is the out-of-the-box MCP configuration.
func DefaultConfig() Config {
	return Config{Port: 9090, PromptTimeout: 10 * time.Minute}
}

// Provide starts the server and returns an idempotent cleanup that stops
// it with a bounded grace period.
func Provide(ctx context.Context, cfg Config, svc *service.Service, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, svc, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	var stopErr error
	cleanup := func() error {
		once.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}
	return srv, cleanup, nil
}
