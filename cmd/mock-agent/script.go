package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pipedev/pipedev/internal/agent/runner"
)

var toolCallCounter int

func nextToolID() string {
	toolCallCounter++
	return fmt.Sprintf("mock_tool_%04d", toolCallCounter)
}

func defaultUsage() *runner.Usage {
	return &runner.Usage{
		InputTokens:  1200,
		OutputTokens: 350,
	}
}

// script drives one conversation over the encoder. Turns counts executed
// steps and is reported as NumTurns in the final result.
type script struct {
	enc     *json.Encoder
	inbound <-chan string
	delay   time.Duration
	turns   int
}

// runTurn plays one scripted conversation: a system handshake, the scripted
// steps, then a terminal result. Directives in the prompt replace the default
// steps; the output schema supplies the outcome when the script names none.
func runTurn(enc *json.Encoder, prompt string, opts options, inbound <-chan string) error {
	d := parseDirectives(prompt)
	s := &script{enc: enc, inbound: inbound, delay: opts.delay}

	if err := s.system(); err != nil {
		return err
	}

	texts := d.texts
	if len(texts) == 0 {
		texts = []string{
			"Picking up the task and scanning the working tree.",
			"Work finished, reporting the outcome.",
		}
	}

	var steps []func() error
	steps = append(steps, func() error { return s.text(texts[0]) })
	for _, rel := range d.writes {
		steps = append(steps, func() error { return s.write(rel) })
	}
	if len(d.todos) > 0 {
		steps = append(steps, func() error { return s.todoWrite(d.todos) })
	}
	for _, text := range texts[1:] {
		steps = append(steps, func() error { return s.text(text) })
	}

	for i, step := range steps {
		if opts.maxTurns > 0 && i >= opts.maxTurns {
			break
		}
		if i > 0 {
			time.Sleep(s.delay)
		}
		if err := s.ackFollowUps(); err != nil {
			return err
		}
		if err := step(); err != nil {
			return err
		}
	}

	if d.sleep > 0 {
		time.Sleep(d.sleep)
	}
	if err := s.ackFollowUps(); err != nil {
		return err
	}

	if d.hasExit {
		if d.exitMessage != "" {
			fmt.Fprintln(os.Stderr, d.exitMessage)
		}
		os.Exit(d.exit)
	}

	outcome := d.outcome
	if outcome == "" {
		if outcomes := schemaOutcomes(opts.schema); len(outcomes) > 0 {
			outcome = outcomes[0]
		}
	}
	return s.result(outcome, d.payload)
}

// ackFollowUps drains queued user messages without blocking, answering each
// with a text block so the stream shows the follow-up was seen.
func (s *script) ackFollowUps() error {
	for {
		select {
		case content, ok := <-s.inbound:
			if !ok {
				return nil
			}
			if err := s.text("Noted follow-up: " + content); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// --- Atomic emitters ---

func (s *script) system() error {
	return s.enc.Encode(runner.Message{
		Type:      runner.MessageTypeSystem,
		SessionID: fmt.Sprintf("mock-%d", os.Getpid()),
	})
}

func (s *script) text(text string) error {
	return s.assistant(runner.ContentBlock{
		Type: runner.ContentTypeText,
		Text: text,
	})
}

// write creates the file under the working directory, then emits the matching
// Write tool_use and its tool result. The invoking side sets the working
// directory to the task's worktree, so relative paths land there.
func (s *script) write(rel string) error {
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("write directive escapes the working directory: %s", rel)
	}
	content := fmt.Sprintf("mock-agent output for %s\n", clean)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(clean, []byte(content), 0o644); err != nil {
		return err
	}

	toolID := nextToolID()
	if err := s.assistant(runner.ContentBlock{
		Type: runner.ContentTypeToolUse,
		ID:   toolID,
		Name: "Write",
		Input: map[string]interface{}{
			"file_path": clean,
			"content":   content,
		},
	}); err != nil {
		return err
	}
	return s.toolResult(toolID, "wrote "+clean)
}

// todoWrite emits a TodoWrite tool_use carrying the scripted entries in the
// shape the run-side subtask reconciler reads.
func (s *script) todoWrite(entries []todoEntry) error {
	todos := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		todos = append(todos, map[string]interface{}{
			"content": e.name,
			"status":  e.status,
		})
	}

	toolID := nextToolID()
	if err := s.assistant(runner.ContentBlock{
		Type:  runner.ContentTypeToolUse,
		ID:    toolID,
		Name:  "TodoWrite",
		Input: map[string]interface{}{"todos": todos},
	}); err != nil {
		return err
	}
	return s.toolResult(toolID, "todo list updated")
}

func (s *script) assistant(blocks ...runner.ContentBlock) error {
	s.turns++
	return s.enc.Encode(runner.Message{
		Type: runner.MessageTypeAssistant,
		Message: &runner.AssistantMessage{
			Role:    "assistant",
			Content: blocks,
			Usage:   defaultUsage(),
		},
	})
}

func (s *script) toolResult(toolID, result string) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.enc.Encode(runner.Message{
		Type:      runner.MessageTypeTool,
		ToolUseID: toolID,
		Result:    raw,
	})
}

func (s *script) result(outcome string, payload json.RawMessage) error {
	return s.enc.Encode(runner.Message{
		Type:             runner.MessageTypeResult,
		Subtype:          runner.ResultSuccess,
		Outcome:          outcome,
		StructuredOutput: payload,
		Usage:            defaultUsage(),
		NumTurns:         s.turns,
	})
}
