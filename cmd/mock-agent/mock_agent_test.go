package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pipedev/pipedev/internal/agent/runner"
)

func TestParseArgs(t *testing.T) {
	schemaJSON := `{"type":"object","properties":{"outcome":{"type":"string","enum":["plan_complete"]}}}`

	tests := []struct {
		name         string
		args         []string
		wantMaxTurns int
		wantDelay    time.Duration
		wantSchema   bool
	}{
		{
			name:      "no flags returns defaults",
			args:      nil,
			wantDelay: defaultStepDelay,
		},
		{
			name:         "separate flag and value",
			args:         []string{"--max-turns", "40"},
			wantMaxTurns: 40,
			wantDelay:    defaultStepDelay,
		},
		{
			name:         "equals syntax",
			args:         []string{"--max-turns=7"},
			wantMaxTurns: 7,
			wantDelay:    defaultStepDelay,
		},
		{
			name:       "output schema is parsed",
			args:       []string{"--output-schema", schemaJSON},
			wantDelay:  defaultStepDelay,
			wantSchema: true,
		},
		{
			name:      "invalid schema is ignored",
			args:      []string{"--output-schema", "{not json"},
			wantDelay: defaultStepDelay,
		},
		{
			name:      "delay override",
			args:      []string{"--delay=5ms"},
			wantDelay: 5 * time.Millisecond,
		},
		{
			name:         "unknown flags are skipped",
			args:         []string{"--verbose", "--max-turns", "3", "--color=never"},
			wantMaxTurns: 3,
			wantDelay:    defaultStepDelay,
		},
		{
			name:      "dangling flag without value",
			args:      []string{"--max-turns"},
			wantDelay: defaultStepDelay,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if got.maxTurns != tt.wantMaxTurns {
				t.Errorf("maxTurns = %d, want %d", got.maxTurns, tt.wantMaxTurns)
			}
			if got.delay != tt.wantDelay {
				t.Errorf("delay = %v, want %v", got.delay, tt.wantDelay)
			}
			if (got.schema != nil) != tt.wantSchema {
				t.Errorf("schema parsed = %v, want %v", got.schema != nil, tt.wantSchema)
			}
		})
	}
}

func TestSchemaOutcomes(t *testing.T) {
	parse := func(t *testing.T, raw string) map[string]interface{} {
		t.Helper()
		var schema map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &schema); err != nil {
			t.Fatal(err)
		}
		return schema
	}

	t.Run("extracts enum in order", func(t *testing.T) {
		schema := parse(t, `{"type":"object","properties":{"outcome":{"type":"string","enum":["plan_complete","needs_clarification"]}}}`)
		got := schemaOutcomes(schema)
		if len(got) != 2 || got[0] != "plan_complete" || got[1] != "needs_clarification" {
			t.Errorf("schemaOutcomes = %v, want [plan_complete needs_clarification]", got)
		}
	})

	t.Run("nil schema", func(t *testing.T) {
		if got := schemaOutcomes(nil); got != nil {
			t.Errorf("schemaOutcomes(nil) = %v, want nil", got)
		}
	})

	t.Run("missing outcome property", func(t *testing.T) {
		schema := parse(t, `{"type":"object","properties":{}}`)
		if got := schemaOutcomes(schema); got != nil {
			t.Errorf("schemaOutcomes = %v, want nil", got)
		}
	})
}

func TestParseDirectives(t *testing.T) {
	t.Run("plain description has no directives", func(t *testing.T) {
		d := parseDirectives("Add a login endpoint.\nUse the existing session store.")
		if d.outcome != "" || len(d.texts) != 0 || len(d.writes) != 0 || len(d.todos) != 0 || d.hasExit || d.sleep != 0 {
			t.Errorf("expected zero directives, got %+v", d)
		}
	})

	t.Run("directives ride inside a description", func(t *testing.T) {
		prompt := strings.Join([]string{
			"Implement the thing.",
			"mock-agent: outcome=code_complete",
			"mock-agent: text=Editing the handler",
			"mock-agent: text=Running checks",
			"mock-agent: write=notes/marker.txt",
			"Some trailing context.",
		}, "\n")
		d := parseDirectives(prompt)
		if d.outcome != "code_complete" {
			t.Errorf("outcome = %q, want code_complete", d.outcome)
		}
		if len(d.texts) != 2 || d.texts[0] != "Editing the handler" {
			t.Errorf("texts = %v", d.texts)
		}
		if len(d.writes) != 1 || d.writes[0] != "notes/marker.txt" {
			t.Errorf("writes = %v", d.writes)
		}
	})

	t.Run("payload keeps raw JSON", func(t *testing.T) {
		d := parseDirectives(`mock-agent: payload={"questions":["Which DB?"]}`)
		if string(d.payload) != `{"questions":["Which DB?"]}` {
			t.Errorf("payload = %s", d.payload)
		}
	})

	t.Run("invalid payload is dropped", func(t *testing.T) {
		d := parseDirectives("mock-agent: payload={broken")
		if d.payload != nil {
			t.Errorf("payload = %s, want nil", d.payload)
		}
	})

	t.Run("todos with and without status", func(t *testing.T) {
		d := parseDirectives("mock-agent: todos=design done,implement in_progress,fix the bug")
		want := []todoEntry{
			{name: "design", status: "done"},
			{name: "implement", status: "in_progress"},
			{name: "fix the bug", status: "completed"},
		}
		if len(d.todos) != len(want) {
			t.Fatalf("todos = %v, want %v", d.todos, want)
		}
		for i, w := range want {
			if d.todos[i] != w {
				t.Errorf("todos[%d] = %+v, want %+v", i, d.todos[i], w)
			}
		}
	})

	t.Run("sleep parses durations", func(t *testing.T) {
		d := parseDirectives("mock-agent: sleep=150ms")
		if d.sleep != 150*time.Millisecond {
			t.Errorf("sleep = %v, want 150ms", d.sleep)
		}
	})

	t.Run("exit with code and message", func(t *testing.T) {
		d := parseDirectives("mock-agent: exit=3 disk full")
		if !d.hasExit || d.exit != 3 || d.exitMessage != "disk full" {
			t.Errorf("exit = %+v", d)
		}
	})

	t.Run("exit zero is ignored", func(t *testing.T) {
		d := parseDirectives("mock-agent: exit=0")
		if d.hasExit {
			t.Error("exit=0 should not arm the exit directive")
		}
	})

	t.Run("whitespace around key and value", func(t *testing.T) {
		d := parseDirectives("  mock-agent:  outcome = plan_complete  ")
		if d.outcome != "plan_complete" {
			t.Errorf("outcome = %q, want plan_complete", d.outcome)
		}
	})
}

// playTurn runs one scripted conversation into a buffer and decodes every
// emitted line back through the stream message type, so a line the invoking
// side could not parse fails the test.
func playTurn(t *testing.T, prompt string, opts options, inbound <-chan string) []runner.Message {
	t.Helper()
	var buf bytes.Buffer
	if err := runTurn(json.NewEncoder(&buf), prompt, opts, inbound); err != nil {
		t.Fatalf("runTurn: %v", err)
	}

	var msgs []runner.Message
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var msg runner.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("stream line %q does not decode: %v", scanner.Text(), err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func assistantTexts(msgs []runner.Message) []string {
	var texts []string
	for _, msg := range msgs {
		if msg.Type != runner.MessageTypeAssistant || msg.Message == nil {
			continue
		}
		for _, block := range msg.Message.Content {
			if block.Type == runner.ContentTypeText {
				texts = append(texts, block.Text)
			}
		}
	}
	return texts
}

func findToolUse(msgs []runner.Message, name string) *runner.ContentBlock {
	for _, msg := range msgs {
		if msg.Type != runner.MessageTypeAssistant || msg.Message == nil {
			continue
		}
		for _, block := range msg.Message.Content {
			if block.Type == runner.ContentTypeToolUse && block.Name == name {
				return &block
			}
		}
	}
	return nil
}

func TestRunTurnStream(t *testing.T) {
	prompt := strings.Join([]string{
		"Ship the feature.",
		"mock-agent: outcome=code_complete",
		"mock-agent: text=Editing the handler",
		"mock-agent: text=All checks pass",
		"mock-agent: todos=wire endpoint done",
		`mock-agent: payload={"summary":"done"}`,
	}, "\n")

	msgs := playTurn(t, prompt, options{}, nil)

	if len(msgs) < 4 {
		t.Fatalf("expected at least 4 messages, got %d", len(msgs))
	}
	if msgs[0].Type != runner.MessageTypeSystem || msgs[0].SessionID == "" {
		t.Errorf("first message = %+v, want system with session id", msgs[0])
	}

	texts := assistantTexts(msgs)
	if len(texts) != 2 || texts[0] != "Editing the handler" || texts[1] != "All checks pass" {
		t.Errorf("assistant texts = %v", texts)
	}

	todo := findToolUse(msgs, "TodoWrite")
	if todo == nil {
		t.Fatal("expected a TodoWrite tool_use")
	}
	todos, ok := todo.Input["todos"].([]interface{})
	if !ok || len(todos) != 1 {
		t.Fatalf("TodoWrite input = %v", todo.Input)
	}
	entry, _ := todos[0].(map[string]interface{})
	if entry["content"] != "wire endpoint" || entry["status"] != "done" {
		t.Errorf("todo entry = %v", entry)
	}

	// Every tool_use is answered.
	var resultIDs []string
	for _, msg := range msgs {
		if msg.Type == runner.MessageTypeTool {
			resultIDs = append(resultIDs, msg.ToolUseID)
		}
	}
	if len(resultIDs) != 1 || resultIDs[0] != todo.ID {
		t.Errorf("tool results = %v, want [%s]", resultIDs, todo.ID)
	}

	last := msgs[len(msgs)-1]
	if last.Type != runner.MessageTypeResult {
		t.Fatalf("last message type = %s, want result", last.Type)
	}
	if last.Subtype != runner.ResultSuccess || last.Outcome != "code_complete" {
		t.Errorf("result = subtype %q outcome %q", last.Subtype, last.Outcome)
	}
	if string(last.StructuredOutput) != `{"summary":"done"}` {
		t.Errorf("structured output = %s", last.StructuredOutput)
	}
	if last.NumTurns == 0 {
		t.Error("result should report turns taken")
	}
}

func TestRunTurnDefaultsToSchemaOutcome(t *testing.T) {
	opts := parseArgs([]string{
		"--output-schema",
		`{"type":"object","properties":{"outcome":{"type":"string","enum":["plan_complete","needs_clarification"]}}}`,
	})
	opts.delay = 0

	msgs := playTurn(t, "Plan the work.", opts, nil)

	last := msgs[len(msgs)-1]
	if last.Type != runner.MessageTypeResult || last.Outcome != "plan_complete" {
		t.Errorf("result = %+v, want outcome plan_complete", last)
	}
	if texts := assistantTexts(msgs); len(texts) != 2 {
		t.Errorf("default sequence should emit 2 text steps, got %v", texts)
	}
}

func TestRunTurnHonorsMaxTurns(t *testing.T) {
	prompt := strings.Join([]string{
		"mock-agent: outcome=code_complete",
		"mock-agent: text=one",
		"mock-agent: text=two",
		"mock-agent: text=three",
	}, "\n")

	msgs := playTurn(t, prompt, options{maxTurns: 1}, nil)

	if texts := assistantTexts(msgs); len(texts) != 1 || texts[0] != "one" {
		t.Errorf("texts = %v, want only the first step", texts)
	}
	last := msgs[len(msgs)-1]
	if last.Type != runner.MessageTypeResult || last.NumTurns != 1 {
		t.Errorf("result = %+v, want NumTurns 1", last)
	}
}

func TestRunTurnWritesFiles(t *testing.T) {
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(origWd) }()

	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	prompt := "mock-agent: outcome=code_complete\nmock-agent: write=notes/marker.txt"
	msgs := playTurn(t, prompt, options{}, nil)

	data, err := os.ReadFile(filepath.Join(dir, "notes", "marker.txt"))
	if err != nil {
		t.Fatalf("marker file not written: %v", err)
	}
	if !strings.Contains(string(data), "notes/marker.txt") {
		t.Errorf("marker content = %q", data)
	}

	write := findToolUse(msgs, "Write")
	if write == nil {
		t.Fatal("expected a Write tool_use")
	}
	if write.Input["file_path"] != "notes/marker.txt" {
		t.Errorf("file_path = %v", write.Input["file_path"])
	}
}

func TestRunTurnRejectsEscapingWrites(t *testing.T) {
	var buf bytes.Buffer
	err := runTurn(json.NewEncoder(&buf), "mock-agent: write=../outside.txt", options{}, nil)
	if err == nil {
		t.Fatal("expected an error for a write outside the working directory")
	}
}

func TestRunTurnAcksFollowUps(t *testing.T) {
	inbound := make(chan string, 2)
	inbound <- "also update the docs"

	msgs := playTurn(t, "mock-agent: outcome=code_complete", options{}, inbound)

	var acked bool
	for _, text := range assistantTexts(msgs) {
		if text == "Noted follow-up: also update the docs" {
			acked = true
		}
	}
	if !acked {
		t.Errorf("follow-up not acknowledged; texts = %v", assistantTexts(msgs))
	}
}
