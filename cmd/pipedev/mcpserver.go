package main

import (
	"context"
	"fmt"

	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/mcpserver"
	"github.com/pipedev/pipedev/internal/task/service"
)

// provideMcpServer starts the embedded MCP server if enabled.
// Returns the SSE endpoint URL and a cleanup function.
func provideMcpServer(ctx context.Context, cfg *config.Config, svc *service.Service, log *logger.Logger) (string, func() error, error) {
	if !cfg.MCP.Enabled {
		return "", nil, nil
	}

	mcpCfg := mcpserver.DefaultConfig()
	mcpCfg.Port = cfg.MCP.Port

	srv, cleanup, err := mcpserver.Provide(ctx, mcpCfg, svc, log)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start MCP server: %w", err)
	}

	return srv.SSEEndpoint(), cleanup, nil
}
