// Package notify fans notifications out to configured providers. Delivery is
// best effort per provider: one bad channel never blocks the others, and the
// router reports only the last failure.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
)

// Notification is one message for a human.
type Notification struct {
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Provider delivers a notification through one channel.
type Provider interface {
	Name() string
	Available() bool
	Send(ctx context.Context, n Notification) error
}

// Router dispatches notifications to every available provider.
type Router struct {
	logger *logger.Logger

	mu        sync.RWMutex
	providers []Provider
}

// NewRouter creates an empty router. Providers register at wiring time.
func NewRouter(log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{logger: log.WithFields(zap.String("component", "notify"))}
}

// Register adds a provider to the fan-out set.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// Send delivers n through every available provider. Failures are logged and
// the last one returned, so a required notify hook still sees an error when
// nothing got through cleanly.
func (r *Router) Send(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	providers := make([]Provider, len(r.providers))
	copy(providers, r.providers)
	r.mu.RUnlock()

	var lastErr error
	for _, p := range providers {
		if !p.Available() {
			continue
		}
		if err := p.Send(ctx, n); err != nil {
			r.logger.Warn("notification delivery failed",
				zap.String("provider", p.Name()),
				zap.String("task_id", n.TaskID),
				zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}
