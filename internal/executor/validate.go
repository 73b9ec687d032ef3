package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pipedev/pipedev/internal/task/models"
)

const (
	// maxValidationOutput caps what one command may write before the rest
	// is dropped.
	maxValidationOutput = 10 * 1024 * 1024
	// failureExcerpt bounds how much of a failing command's output goes
	// into the retry prompt and the activity log.
	failureExcerpt = 2 * 1024
)

// cappedBuffer collects subprocess output up to a fixed size and discards
// the rest. It is handed to exec as both stdout and stderr, and os/exec
// serializes writes when both streams share one comparable writer.
type cappedBuffer struct {
	buf       []byte
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - len(b.buf)
	switch {
	case remaining <= 0:
		b.truncated = true
	case len(p) > remaining:
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
	default:
		b.buf = append(b.buf, p...)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "\n[output truncated]"
	}
	return string(b.buf)
}

// runValidation runs every configured validation command inside the
// worktree. It returns ok when all exit zero; otherwise a transcript of the
// failing commands, each bounded to an excerpt, for the retry prompt.
func (e *Executor) runValidation(ctx context.Context, prep *prepared) (string, bool) {
	commands := e.deps.Config.ValidationCommands
	if len(commands) == 0 {
		return "", true
	}
	timeout := e.deps.Config.ValidationTimeout()

	var failures strings.Builder
	ok := true
	for _, command := range commands {
		output, err := e.runValidationCommand(ctx, prep.wt.Path, command, timeout)
		if err == nil {
			continue
		}
		ok = false
		body := strings.TrimSpace(output)
		if body == "" {
			body = err.Error()
		}
		excerpt := truncateHead(body, failureExcerpt)
		fmt.Fprintf(&failures, "$ %s\n%s\n", command, excerpt)
		e.deps.Recorder.Warning(ctx, prep.task.ID, models.CategoryAgent,
			fmt.Sprintf("validation command failed: %s", command),
			map[string]interface{}{
				"run_id": prep.run.ID,
				"error":  err.Error(),
				"output": excerpt,
			})
	}
	return failures.String(), ok
}

// runValidationCommand runs one command through the shell with a deadline
// and a hard cap on captured output. A deadline hit comes back as an
// explicit timeout error so the transcript names the cause.
func (e *Executor) runValidationCommand(ctx context.Context, dir, command string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf := &cappedBuffer{max: maxValidationOutput}
	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = buf
	cmd.Stderr = buf

	err := cmd.Run()
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return buf.String(), fmt.Errorf("command timed out after %s", timeout)
	}
	return buf.String(), err
}

// truncateHead keeps the leading max bytes and marks the cut.
func truncateHead(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
