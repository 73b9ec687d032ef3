// Package websocket streams live orchestrator events to connected clients.
// The gateway is push-only: clients subscribe to tasks and receive
// notifications mirrored off the event bus; there is no request/response
// command surface.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType discriminates the wire envelope.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Client-initiated actions. Everything else on the wire is a server push
// whose action names the bus event type ("task.status_changed",
// "agent.run.stream", ...).
const (
	ActionSubscribe   = "task.subscribe"
	ActionUnsubscribe = "task.unsubscribe"
)

// Error codes carried in ErrorPayload.Code.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

// Message is the envelope every frame uses, both directions. ID is set on
// requests and echoed on their responses; pushes carry none.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of MessageTypeError frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func envelope(id string, mt MessageType, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      mt,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse answers a client request, echoing its ID.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return envelope(id, MessageTypeResponse, action, payload)
}

// NewNotification builds a server push.
func NewNotification(action string, payload interface{}) (*Message, error) {
	return envelope("", MessageTypeNotification, action, payload)
}

// NewError builds an error frame for a request, or a bare one when the
// request could not even be parsed.
func NewError(id, action, code, message string) (*Message, error) {
	return envelope(id, MessageTypeError, action, ErrorPayload{Code: code, Message: message})
}

// ParsePayload decodes the payload into v; a missing payload decodes as
// the zero value.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
