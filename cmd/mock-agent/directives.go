package main

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// directivePrefix marks a line in the incoming prompt as a mock directive.
// Directives ride in the task description, so whoever creates the task
// scripts the agent's behavior for that run.
const directivePrefix = "mock-agent:"

// todoEntry is one scripted TodoWrite item.
type todoEntry struct {
	name   string
	status string
}

// directives is a parsed script for one turn.
//
//	mock-agent: outcome=plan_complete
//	mock-agent: payload={"questions":["Which DB?"]}
//	mock-agent: text=Looking at the schema first
//	mock-agent: write=notes/plan.md
//	mock-agent: todos=design done,implement in_progress
//	mock-agent: sleep=2s
//	mock-agent: exit=3 disk full
type directives struct {
	outcome string
	payload json.RawMessage
	texts   []string
	writes  []string
	todos   []todoEntry
	sleep   time.Duration

	exit        int
	exitMessage string
	hasExit     bool
}

func parseDirectives(prompt string) directives {
	var d directives
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, directivePrefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, directivePrefix))
		key, value, ok := strings.Cut(rest, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "outcome":
			d.outcome = value
		case "payload":
			if json.Valid([]byte(value)) {
				d.payload = json.RawMessage(value)
			}
		case "text":
			if value != "" {
				d.texts = append(d.texts, value)
			}
		case "write":
			if value != "" {
				d.writes = append(d.writes, value)
			}
		case "todos":
			d.todos = append(d.todos, parseTodos(value)...)
		case "sleep":
			if dur, err := time.ParseDuration(value); err == nil && dur > 0 {
				d.sleep = dur
			}
		case "exit":
			code, message, _ := strings.Cut(value, " ")
			if n, err := strconv.Atoi(code); err == nil && n > 0 {
				d.exit = n
				d.exitMessage = strings.TrimSpace(message)
				d.hasExit = true
			}
		}
	}
	return d
}

// parseTodos parses "name status, name status" entries. The status is the
// last space-separated word; entries without one default to completed.
func parseTodos(value string) []todoEntry {
	var entries []todoEntry
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name := part
		status := "completed"
		if idx := strings.LastIndex(part, " "); idx > 0 {
			candidate := strings.TrimSpace(part[idx+1:])
			switch candidate {
			case "pending", "open", "in_progress", "completed", "done":
				name = strings.TrimSpace(part[:idx])
				status = candidate
			}
		}
		entries = append(entries, todoEntry{name: name, status: status})
	}
	return entries
}
