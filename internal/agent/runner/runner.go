// Package runner invokes external coding agents and streams their typed
// messages back to the caller. The wire format is newline-delimited JSON on
// stdout; the executor is the sole interpreter of message semantics.
package runner

import (
	"context"
	"encoding/json"
	"time"
)

// Message types an agent may emit.
const (
	MessageTypeSystem    = "system"
	MessageTypeAssistant = "assistant"
	MessageTypeResult    = "result"
	MessageTypeTool      = "tool"
	MessageTypeUser      = "user" // sent by us, never received
)

// Content block types inside assistant messages.
const (
	ContentTypeText    = "text"
	ContentTypeToolUse = "tool_use"
)

// Result subtypes.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Message is one line of the agent stream. The type determines which fields
// are populated.
type Message struct {
	Type string `json:"type"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages. StructuredOutput stays raw so the payload
	// validator sees exactly what the agent sent, arrays included.
	Subtype          string          `json:"subtype,omitempty"`
	Outcome          string          `json:"outcome,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	Errors           []string        `json:"errors,omitempty"`
	Usage            *Usage          `json:"usage,omitempty"`
	NumTurns         int             `json:"num_turns,omitempty"`
	IsError          bool            `json:"is_error,omitempty"`

	// For tool messages (tool results)
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// AssistantMessage is the body of an assistant message.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block of assistant content.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// Usage is cumulative token usage reported by the agent.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// UserMessage is the prompt line written to the agent's stdin.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the content of a user message.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Invocation describes one agent query.
type Invocation struct {
	Prompt   string
	WorkDir  string
	MaxTurns int
	Timeout  time.Duration

	// OutputSchema, when set, is forwarded so the agent can shape its
	// structured output.
	OutputSchema map[string]interface{}

	// Env entries appended to the agent process environment.
	Env []string

	// Inbound delivers follow-up user messages into a live run. May be nil.
	// The caller must close it (or cancel ctx) to release the writer.
	Inbound <-chan string
}

// Result is the terminal state of one invocation.
type Result struct {
	Outcome          string
	StructuredOutput json.RawMessage
	Errors           []string
	InputTokens      int64
	OutputTokens     int64
	NumTurns         int
	ExitCode         int
}

// MessageHandler receives each streamed message in arrival order.
type MessageHandler func(msg *Message)

// QueryAgent runs agent invocations. Query blocks until the stream ends or
// ctx is cancelled; a non-zero agent exit is reported in Result, not as an
// error. The error return is for transport failures only.
type QueryAgent interface {
	Query(ctx context.Context, inv Invocation, handler MessageHandler) (*Result, error)
}

// applyResultMessage folds a result message into r. Non-result messages are
// ignored.
func applyResultMessage(r *Result, msg *Message) {
	if msg.Type != MessageTypeResult {
		return
	}
	r.Outcome = msg.Outcome
	r.StructuredOutput = msg.StructuredOutput
	r.Errors = append(r.Errors, msg.Errors...)
	r.NumTurns = msg.NumTurns
	if msg.Usage != nil {
		r.InputTokens = msg.Usage.InputTokens
		r.OutputTokens = msg.Usage.OutputTokens
	}
}
