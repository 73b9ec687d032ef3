package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/events/bus"
)

// BusProvider publishes notifications on the event bus. The websocket
// gateway subscribes to the subject and forwards them to connected clients.
type BusProvider struct {
	bus bus.EventBus
}

// NewBusProvider creates a bus-backed provider.
func NewBusProvider(b bus.EventBus) *BusProvider {
	return &BusProvider{bus: b}
}

func (p *BusProvider) Name() string { return "bus" }

func (p *BusProvider) Available() bool {
	return p.bus != nil && p.bus.IsConnected()
}

func (p *BusProvider) Send(ctx context.Context, n Notification) error {
	event := bus.NewEvent(events.NotificationCreated, "notify", map[string]interface{}{
		"task_id":    n.TaskID,
		"title":      n.Title,
		"body":       n.Body,
		"created_at": n.CreatedAt.Format(time.RFC3339),
	})
	return p.bus.Publish(ctx, events.NotificationCreated, event)
}

// CommandProvider shells out to a configured command (notify-send, a slack
// webhook script, apprise) with the title and body as arguments.
type CommandProvider struct {
	command string
}

// NewCommandProvider creates a provider around the given command. An empty
// command yields a provider that is simply never available.
func NewCommandProvider(command string) *CommandProvider {
	return &CommandProvider{command: command}
}

func (p *CommandProvider) Name() string { return "command" }

func (p *CommandProvider) Available() bool {
	if p.command == "" {
		return false
	}
	_, err := exec.LookPath(p.command)
	return err == nil
}

func (p *CommandProvider) Send(ctx context.Context, n Notification) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, p.command, n.Title, n.Body)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w (%s)", p.command, err, strings.TrimSpace(string(output)))
	}
	return nil
}
