package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
)

// MemoryEventBus dispatches events in-process.
//
// Handlers run synchronously in publish order: a subscriber observes events
// in exactly the order they were published. Streaming consumers (run output,
// task activity) rely on this.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	rr     map[string]int // queue group -> round-robin cursor
	closed bool
	log    *logger.Logger
}

// memorySubscription is one handler bound to a subject pattern. tokens is
// the pattern pre-split on "." for wildcard matching.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	tokens  []string
	queue   string // empty for plain subscriptions
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus creates an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{rr: make(map[string]int), log: log}
}

// Publish delivers the event to every matching subscriber, one member per
// queue group. The subscriber snapshot is taken before any handler runs, so
// handlers may subscribe or publish without deadlocking.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}

	var targets []*memorySubscription
	grouped := make(map[string][]*memorySubscription)
	for _, sub := range b.subs {
		if !sub.IsValid() || !subjectMatches(subject, sub.tokens) {
			continue
		}
		if sub.queue != "" {
			key := sub.queue + ":" + sub.subject
			grouped[key] = append(grouped[key], sub)
			continue
		}
		targets = append(targets, sub)
	}
	for key, members := range grouped {
		idx := b.rr[key] % len(members)
		b.rr[key] = idx + 1
		targets = append(targets, members[idx])
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if err := sub.handler(ctx, event); err != nil {
			b.log.Error("Event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.addSubscription(subject, "", handler)
}

func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.addSubscription(subject, queue, handler)
}

func (b *MemoryEventBus) addSubscription(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		tokens:  strings.Split(subject, "."),
		queue:   queue,
		handler: handler,
		active:  true,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Close deactivates every subscription. Publishing afterwards errors.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.deactivate()
	}
	b.subs = nil
	b.rr = make(map[string]int)
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe deactivates and removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// subjectMatches walks the subject tokens against the pattern tokens.
// "*" consumes exactly one token; ">" consumes the rest and only counts at
// the end of the pattern, matching NATS semantics.
func subjectMatches(subject string, pattern []string) bool {
	tokens := strings.Split(subject, ".")
	for i, p := range pattern {
		if p == ">" {
			return i == len(pattern)-1 && len(tokens) > i
		}
		if i >= len(tokens) {
			return false
		}
		if p != "*" && p != tokens[i] {
			return false
		}
	}
	return len(tokens) == len(pattern)
}
