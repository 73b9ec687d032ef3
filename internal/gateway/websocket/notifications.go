package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/events/bus"
)

// EventForwarder mirrors bus events onto the websocket hub. Task activity
// and agent output are chatty and reach only the task's subscribers;
// lifecycle events are broadcast to every client.
type EventForwarder struct {
	bus           bus.EventBus
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// NewEventForwarder creates a forwarder. The bus may be nil, in which case
// Start is a no-op and the gateway only serves explicit hub broadcasts.
func NewEventForwarder(eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventForwarder {
	return &EventForwarder{
		bus:    eventBus,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_forwarder")),
	}
}

// Start opens the bus subscriptions and closes them when the context ends.
func (f *EventForwarder) Start(ctx context.Context) {
	if f.bus == nil {
		return
	}

	f.subscribeTaskScoped(events.BuildTaskEventWildcardSubject())
	f.subscribeTaskScoped(events.BuildAgentStreamWildcardSubject())

	for _, subject := range []string{
		events.TaskCreated,
		events.TaskUpdated,
		events.TaskDeleted,
		events.TaskStatusChanged,
		events.PipelineCreated,
		events.PipelineUpdated,
		events.PipelineDeleted,
		events.PhaseStarted,
		events.PhaseCompleted,
		events.AgentRunStarted,
		events.AgentRunCompleted,
		events.AgentRunFailed,
		events.AgentRunCancelled,
		events.AgentRunTimedOut,
		events.PromptCreated,
		events.PromptExpired,
		events.BuildPromptAnsweredWildcardSubject(),
		events.WorktreeCreated,
		events.WorktreeDeleted,
		events.MessageQueued,
		events.NotificationCreated,
	} {
		f.subscribeBroadcast(subject)
	}

	go func() {
		<-ctx.Done()
		f.Close()
	}()
}

// Close drops all bus subscriptions.
func (f *EventForwarder) Close() {
	for _, sub := range f.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	f.subscriptions = nil
}

// subscribeTaskScoped forwards events on a wildcard subject to the
// subscribers of the task named in the event data.
func (f *EventForwarder) subscribeTaskScoped(subject string) {
	sub, err := f.bus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		taskID := extractTaskID(event.Data)
		if taskID == "" {
			return nil
		}
		msg, err := NewNotification(event.Type, event.Data)
		if err != nil {
			f.logger.Error("failed to build notification",
				zap.String("type", event.Type), zap.Error(err))
			return nil
		}
		f.hub.BroadcastToTask(taskID, msg)
		return nil
	})
	if err != nil {
		f.logger.Error("failed to subscribe",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	f.subscriptions = append(f.subscriptions, sub)
}

// subscribeBroadcast forwards every event on the subject to all clients.
func (f *EventForwarder) subscribeBroadcast(subject string) {
	sub, err := f.bus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := NewNotification(event.Type, event.Data)
		if err != nil {
			f.logger.Error("failed to build notification",
				zap.String("type", event.Type), zap.Error(err))
			return nil
		}
		f.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		f.logger.Error("failed to subscribe",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	f.subscriptions = append(f.subscriptions, sub)
}

func extractTaskID(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	id, _ := data["task_id"].(string)
	return id
}
