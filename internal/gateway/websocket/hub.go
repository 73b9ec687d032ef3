package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
)

// Hub maintains the set of active clients and routes outbound messages.
// Broadcasts fan out to every client; task-scoped messages reach only the
// clients subscribed to that task.
type Hub struct {
	clients         map[*Client]bool
	taskSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:         make(map[*Client]bool),
		taskSubscribers: make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		broadcast:       make(chan *Message, 256),
		logger:          log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes register, unregister and broadcast requests until the
// context is cancelled. It must run in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered",
				zap.String("client_id", client.ID),
				zap.Int("total_clients", h.GetClientCount()))

		case client := <-h.unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a message for delivery to every connected client.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast buffer full, dropping message",
			zap.String("action", msg.Action))
	}
}

// BroadcastToTask sends a message to the clients subscribed to a task.
func (h *Hub) BroadcastToTask(taskID string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.taskSubscribers[taskID]))
	for client := range h.taskSubscribers[taskID] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	for _, client := range subscribers {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client send buffer full, dropping task message",
				zap.String("client_id", client.ID),
				zap.String("task_id", taskID))
		}
	}
}

// SubscribeToTask subscribes a client to a task's messages
func (h *Hub) SubscribeToTask(client *Client, taskID string) {
	h.mu.Lock()
	if h.taskSubscribers[taskID] == nil {
		h.taskSubscribers[taskID] = make(map[*Client]bool)
	}
	h.taskSubscribers[taskID][client] = true
	h.mu.Unlock()

	client.mu.Lock()
	client.subscriptions[taskID] = true
	client.mu.Unlock()

	h.logger.Debug("client subscribed to task",
		zap.String("client_id", client.ID),
		zap.String("task_id", taskID))
}

// UnsubscribeFromTask removes a client's subscription to a task
func (h *Hub) UnsubscribeFromTask(client *Client, taskID string) {
	h.mu.Lock()
	if subs := h.taskSubscribers[taskID]; subs != nil {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.taskSubscribers, taskID)
		}
	}
	h.mu.Unlock()

	client.mu.Lock()
	delete(client.subscriptions, taskID)
	client.mu.Unlock()
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcastMessage marshals once and fans out without blocking; clients
// with a full send buffer miss the message rather than stall the hub.
func (h *Hub) broadcastMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client send buffer full, dropping broadcast",
				zap.String("client_id", client.ID))
		}
	}
}

// removeClient drops the client from the registry and from every task
// subscriber list, then closes its send channel.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)

	client.mu.RLock()
	for taskID := range client.subscriptions {
		if subs := h.taskSubscribers[taskID]; subs != nil {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.taskSubscribers, taskID)
			}
		}
	}
	client.mu.RUnlock()

	close(client.send)
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.taskSubscribers = make(map[string]map[*Client]bool)
	h.logger.Info("closed all client connections")
}
