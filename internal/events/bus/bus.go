// Package bus carries live events between components: an in-memory backend
// for the default single-process deployment and a NATS backend when
// external consumers need the stream.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Type duplicates the subject's leaf in
// most cases so handlers subscribed to wildcards can still branch cheaply.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with a fresh id and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. A returned error is logged by
// the backend and never fails the publisher.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle for cancelling a subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the surface both backends implement. Subjects are dotted
// paths with NATS-style wildcards: * matches one token, > matches a tail.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	// QueueSubscribe delivers each event to one member of the named queue
	// group instead of every subscriber.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
