package runner

import (
	"context"
	"encoding/json"
	"sync"
)

// ScriptedAgent is an in-process QueryAgent for tests. Each Query replays
// the script for that invocation and records what it was asked.
type ScriptedAgent struct {
	// Script returns the messages to replay for an invocation. When nil, a
	// bare success result is replayed.
	Script func(inv Invocation) []*Message
	// Err, when set, is returned after the replay finishes.
	Err error

	mu          sync.Mutex
	invocations []Invocation
}

// Query implements QueryAgent.
func (a *ScriptedAgent) Query(ctx context.Context, inv Invocation, handler MessageHandler) (*Result, error) {
	a.mu.Lock()
	a.invocations = append(a.invocations, inv)
	script := a.Script
	a.mu.Unlock()

	var msgs []*Message
	if script != nil {
		msgs = script(inv)
	} else {
		msgs = []*Message{ResultMessage(ResultSuccess, "", nil)}
	}

	result := &Result{}
	for _, msg := range msgs {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}
		applyResultMessage(result, msg)
		if handler != nil {
			handler(msg)
		}
	}
	return result, a.Err
}

// Invocations returns a copy of everything Query was called with.
func (a *ScriptedAgent) Invocations() []Invocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Invocation(nil), a.invocations...)
}

// TextMessage builds an assistant text message.
func TextMessage(text string) *Message {
	return &Message{
		Type: MessageTypeAssistant,
		Message: &AssistantMessage{
			Role:    "assistant",
			Content: []ContentBlock{{Type: ContentTypeText, Text: text}},
		},
	}
}

// ToolUseMessage builds an assistant tool_use message.
func ToolUseMessage(name, id string, input map[string]interface{}) *Message {
	return &Message{
		Type: MessageTypeAssistant,
		Message: &AssistantMessage{
			Role:    "assistant",
			Content: []ContentBlock{{Type: ContentTypeToolUse, ID: id, Name: name, Input: input}},
		},
	}
}

// ResultMessage builds a result message. payload may be nil.
func ResultMessage(subtype, outcome string, payload map[string]interface{}) *Message {
	msg := &Message{Type: MessageTypeResult, Subtype: subtype, Outcome: outcome}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			msg.StructuredOutput = raw
		}
	}
	return msg
}
