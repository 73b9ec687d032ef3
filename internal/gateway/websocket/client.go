package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may go silent before the read
	// pump declares it dead; pings go out at a fraction of it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Inbound traffic is only subscribe/unsubscribe requests, so the read
	// limit is tight.
	maxMessageSize = 4 * 1024

	// sendBuffer is the per-client outbound queue; the hub drops frames
	// for clients that fall this far behind.
	sendBuffer = 256
)

// Client is one WebSocket connection. The hub writes into send; WritePump
// drains it onto the wire; ReadPump handles the peer's subscription
// requests until the connection dies.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	log  *logger.Logger

	mu            sync.RWMutex
	subscriptions map[string]bool // task IDs
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
		log:           log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump consumes inbound frames until the peer goes away, keeping the
// read deadline fed from pongs. It unregisters the client on exit.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Error("failed to parse message", zap.Error(err))
			c.reject("", "", ErrorCodeBadRequest, "invalid message format")
			continue
		}
		c.handleRequest(&msg)
	}
}

type subscribeRequest struct {
	TaskID string `json:"task_id"`
}

// handleRequest serves one inbound message. The gateway accepts only
// subscription management; anything else is rejected by action name.
func (c *Client) handleRequest(msg *Message) {
	if msg.Action != ActionSubscribe && msg.Action != ActionUnsubscribe {
		c.reject(msg.ID, msg.Action, ErrorCodeUnknownAction, "unknown action: "+msg.Action)
		return
	}

	var req subscribeRequest
	switch err := msg.ParsePayload(&req); {
	case err != nil:
		c.reject(msg.ID, msg.Action, ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	case req.TaskID == "":
		c.reject(msg.ID, msg.Action, ErrorCodeValidation, "task_id is required")
		return
	}

	if msg.Action == ActionSubscribe {
		c.hub.SubscribeToTask(c, req.TaskID)
	} else {
		c.hub.UnsubscribeFromTask(c, req.TaskID)
	}

	if ack, err := NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true, "task_id": req.TaskID}); err == nil {
		c.enqueue(ack)
	}
}

// enqueue queues an outbound message, dropping it when the client has
// fallen behind. Event delivery is best-effort by design.
func (c *Client) enqueue(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full")
	}
}

func (c *Client) reject(id, action, code, message string) {
	msg, err := NewError(id, action, code, message)
	if err != nil {
		c.log.Error("failed to create error message", zap.Error(err))
		return
	}
	c.enqueue(msg)
}

// WritePump drains the send queue onto the wire, batching whatever has
// accumulated into one newline-separated frame, and keeps the peer alive
// with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.writeBatch(frame) {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeBatch writes frame plus anything queued behind it as one message.
func (c *Client) writeBatch(frame []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return false
	}
	w.Write(frame)
	for pending := len(c.send); pending > 0; pending-- {
		w.Write([]byte{'\n'})
		w.Write(<-c.send)
	}
	return w.Close() == nil
}
