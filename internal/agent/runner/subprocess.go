package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/common/stringutil"
)

// maxLineBytes bounds a single stream line (large tool results).
const maxLineBytes = 10 * 1024 * 1024

// maxStderrBytes bounds how much agent stderr is kept for error reporting.
const maxStderrBytes = 64 * 1024

// SubprocessRunner runs an agent binary and speaks the JSONL protocol over
// its stdin/stdout.
type SubprocessRunner struct {
	command string
	args    []string
	logger  *logger.Logger
}

// NewSubprocessRunner creates a runner for the given agent command. args are
// prepended to every invocation.
func NewSubprocessRunner(command string, args []string, log *logger.Logger) *SubprocessRunner {
	return &SubprocessRunner{
		command: command,
		args:    args,
		logger:  log.WithFields(zap.String("component", "agent-runner")),
	}
}

// Query starts the agent process, writes the prompt, and scans stdout line
// by line until the stream ends. Cancellation kills the process via ctx.
func (r *SubprocessRunner) Query(ctx context.Context, inv Invocation, handler MessageHandler) (*Result, error) {
	args := append([]string{}, r.args...)
	if inv.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(inv.MaxTurns))
	}
	if inv.OutputSchema != nil {
		schema, err := json.Marshal(inv.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize output schema: %w", err)
		}
		args = append(args, "--output-schema", string(schema))
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = inv.WorkDir
	cmd.Env = append(os.Environ(), inv.Env...)

	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	r.logger.Debug("agent process started",
		zap.String("command", r.command),
		zap.String("workdir", inv.WorkDir),
		zap.Int("max_turns", inv.MaxTurns))

	go r.writeLoop(ctx, stdin, inv)

	result := &Result{}
	scanErr := r.readLoop(stdout, result, handler)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return result, fmt.Errorf("agent process failed: %w", waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			result.Errors = append(result.Errors, msg)
		}
	}
	if scanErr != nil {
		return result, fmt.Errorf("failed to read agent stream: %w", scanErr)
	}
	return result, nil
}

// writeLoop sends the prompt, then forwards queued follow-up messages until
// the inbound channel closes or the run ends.
func (r *SubprocessRunner) writeLoop(ctx context.Context, stdin io.WriteCloser, inv Invocation) {
	defer func() { _ = stdin.Close() }()

	if err := writeUserMessage(stdin, inv.Prompt); err != nil {
		r.logger.Warn("failed to write prompt", zap.Error(err))
		return
	}
	if inv.Inbound == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-inv.Inbound:
			if !ok {
				return
			}
			if err := writeUserMessage(stdin, text); err != nil {
				// The process usually exited already; nothing to do.
				r.logger.Debug("failed to forward queued message", zap.Error(err))
				return
			}
		}
	}
}

func (r *SubprocessRunner) readLoop(stdout io.Reader, result *Result, handler MessageHandler) error {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineBytes)

	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		// Copy: the scanner reuses its buffer and RawMessage fields alias
		// the line.
		line := append([]byte(nil), scanner.Bytes()...)

		msg := &Message{}
		if err := json.Unmarshal(line, msg); err != nil {
			r.logger.Warn("failed to parse agent message",
				zap.Error(err),
				zap.String("line", truncateForLog(line)))
			continue
		}
		applyResultMessage(result, msg)
		if handler != nil {
			handler(msg)
		}
	}
	return scanner.Err()
}

func writeUserMessage(w io.Writer, content string) error {
	data, err := json.Marshal(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func truncateForLog(line []byte) string {
	return stringutil.TruncateStringWithEllipsis(string(line), 512)
}

// cappedBuffer keeps at most limit bytes and silently drops the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
