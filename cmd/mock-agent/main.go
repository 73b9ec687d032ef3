// Package main implements a mock agent binary that speaks the JSONL stream
// protocol over stdin/stdout. Task descriptions drive it with "mock-agent:"
// directive lines, so end-to-end flows can be exercised without a real
// coding agent; without directives it emits a small default sequence and
// picks the first outcome the output schema offers.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pipedev/pipedev/internal/agent/runner"
)

func main() {
	opts := parseArgs(os.Args[1:])

	enc := json.NewEncoder(os.Stdout)

	// Stdin is pumped on its own goroutine so follow-up messages queued
	// while a turn is running can be drained between steps.
	inbound := make(chan string, 16)
	go pumpStdin(os.Stdin, inbound)

	prompt, ok := <-inbound
	if !ok {
		// Closed stdin before a prompt: nothing to do.
		return
	}

	if err := runTurn(enc, prompt, opts, inbound); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

// pumpStdin parses user messages off stdin and forwards their content. The
// channel closes on EOF; non-user lines and parse failures are skipped.
func pumpStdin(r *os.File, out chan<- string) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg runner.UserMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type != runner.MessageTypeUser || msg.Message.Content == "" {
			continue
		}
		out <- msg.Message.Content
	}
}
