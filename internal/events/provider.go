package events

import (
	"fmt"
	"strings"

	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/events/bus"
)

// ProvidedBus carries the active bus plus the concrete backend for callers
// that need one (tests reach for Memory, ops surfaces for NATS).
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide picks the backend from config: a NATS URL selects NATS, anything
// else gets the in-memory bus. The returned cleanup is always non-nil.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	url := strings.TrimSpace(cfg.NATS.URL)
	if url == "" {
		mem := bus.NewMemoryEventBus(log)
		return &ProvidedBus{Bus: mem, Memory: mem}, func() error { return nil }, nil
	}

	nb, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	return &ProvidedBus{Bus: nb, NATS: nb}, func() error { nb.Close(); return nil }, nil
}
