// Package mcpserver exposes the orchestrator to coding agents over MCP.
// The tools call the task service directly; ask_user_question parks the
// agent on a pending prompt until a human answers.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/task/service"
)

// Config holds the MCP server configuration.
type Config struct {
	Port          int
	PromptTimeout time.Duration // how long ask_user_question waits for an answer
}

// Server serves both MCP transports on one port: SSE (/sse) for Claude
// Desktop and Cursor, Streamable HTTP (/mcp) for Codex.
type Server struct {
	cfg  Config
	svc  *service.Service
	log  *logger.Logger
	sse  *server.SSEServer
	strm *server.StreamableHTTPServer
	http *http.Server

	mu      sync.Mutex
	running bool
}

// New builds a server over the task service; Start brings it up.
func New(cfg Config, svc *service.Service, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{cfg: cfg, svc: svc, log: log.WithFields(zap.String("component", "mcp-server"))}
}

// Start listens and serves in the background, returning once the listener
// is bound. A Port of 0 is resolved to the kernel-assigned port.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	core := server.NewMCPServer("pipedev-mcp", "1.0.0", server.WithToolCapabilities(true))
	registerTools(core, s.svc, s.cfg, s.log)

	s.sse = server.NewSSEServer(core)
	s.strm = server.NewStreamableHTTPServer(core, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
	mux.Handle("/mcp", s.strm)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on :%d: %w", s.cfg.Port, err)
	}
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = addr.Port
	}
	s.http = &http.Server{Handler: mux}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go func() {
		s.log.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))
		if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("MCP server error", zap.Error(err))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	return nil
}

// Stop shuts down the HTTP server and both transports. Safe when the
// server never started.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	if err := s.sse.Shutdown(ctx); err != nil {
		s.log.Warn("failed to shutdown SSE server", zap.Error(err))
	}
	if err := s.strm.Shutdown(ctx); err != nil {
		s.log.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
	}
	return nil
}

// Port reports the bound port, useful when the configuration asked for 0.
func (s *Server) Port() int { return s.cfg.Port }

// SSEEndpoint is the URL SSE-transport clients connect to.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint is the URL streamable-HTTP clients connect to.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
