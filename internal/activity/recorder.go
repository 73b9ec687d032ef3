// Package activity records the per-task activity feed: every entry is
// appended to the event log and published on the bus in one call. Recording
// is best effort and never fails the operation it annotates.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/events/bus"
	"github.com/pipedev/pipedev/internal/task/models"
)

const eventSource = "workflow"

// EventStore is the slice of task storage the recorder needs.
type EventStore interface {
	AppendEvent(ctx context.Context, event *models.TaskEvent) error
}

// Recorder appends activity rows and mirrors them onto the event bus so
// live subscribers see the feed without polling.
type Recorder struct {
	store    EventStore
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewRecorder creates a recorder. The bus may be nil; rows are still
// persisted.
func NewRecorder(store EventStore, eventBus bus.EventBus, log *logger.Logger) *Recorder {
	return &Recorder{store: store, eventBus: eventBus, logger: log}
}

// Record persists the event and publishes it. Defaults are filled in place
// so the caller sees the stored values.
func (r *Recorder) Record(ctx context.Context, event *models.TaskEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.Error("failed to append task event",
			zap.String("task_id", event.TaskID),
			zap.String("category", event.Category),
			zap.Error(err))
	}

	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"id":         event.ID,
		"task_id":    event.TaskID,
		"category":   event.Category,
		"severity":   string(event.Severity),
		"message":    event.Message,
		"created_at": event.CreatedAt.Format(time.RFC3339),
	}
	if event.Data != nil {
		data["data"] = event.Data
	}
	busEvent := bus.NewEvent(events.TaskEvent, eventSource, data)
	if err := r.eventBus.Publish(ctx, events.BuildTaskEventSubject(event.TaskID), busEvent); err != nil {
		r.logger.Error("failed to publish task event",
			zap.String("task_id", event.TaskID),
			zap.String("category", event.Category),
			zap.Error(err))
	}
}

// Info records an info-severity entry.
func (r *Recorder) Info(ctx context.Context, taskID, category, message string, data map[string]interface{}) {
	r.Record(ctx, &models.TaskEvent{TaskID: taskID, Category: category, Severity: models.SeverityInfo, Message: message, Data: data})
}

// Warning records a warning-severity entry.
func (r *Recorder) Warning(ctx context.Context, taskID, category, message string, data map[string]interface{}) {
	r.Record(ctx, &models.TaskEvent{TaskID: taskID, Category: category, Severity: models.SeverityWarning, Message: message, Data: data})
}

// Error records an error-severity entry.
func (r *Recorder) Error(ctx context.Context, taskID, category, message string, data map[string]interface{}) {
	r.Record(ctx, &models.TaskEvent{TaskID: taskID, Category: category, Severity: models.SeverityError, Message: message, Data: data})
}
