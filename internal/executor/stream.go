package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/agent/runner"
	"github.com/pipedev/pipedev/internal/common/stringutil"
	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/task/models"
)

// maxOutputBytes caps the in-memory output buffer of one run.
const maxOutputBytes = 5 * 1024 * 1024

// truncationNote marks a capped buffer. Everything past the cap is dropped.
const truncationNote = "\n[output truncated]"

// streamState accumulates a run's streamed output and token usage. Token
// counts are cumulative within one invocation; fold moves them into the base
// so validation retries add up instead of resetting.
type streamState struct {
	run *models.AgentRun

	mu        sync.Mutex
	buf       []byte
	truncated bool
	msgCount  int
	baseIn    int64
	baseOut   int64
	curIn     int64
	curOut    int64
	flushErrs int
	completed bool
}

func newStreamState(run *models.AgentRun) *streamState {
	return &streamState{run: run}
}

// appendOutput adds assistant text to the buffer, respecting the cap.
func (st *streamState) appendOutput(text string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.truncated {
		return
	}
	remaining := maxOutputBytes - len(st.buf)
	if len(text) >= remaining {
		st.buf = append(st.buf, text[:remaining]...)
		st.buf = append(st.buf, truncationNote...)
		st.truncated = true
		return
	}
	st.buf = append(st.buf, text...)
}

// appendNote adds a bracketed marker line to the buffer.
func (st *streamState) appendNote(note string) {
	st.appendOutput("\n" + note + "\n")
}

// bump counts one streamed message.
func (st *streamState) bump() {
	st.mu.Lock()
	st.msgCount++
	st.mu.Unlock()
}

// setUsage records the invocation's cumulative token usage.
func (st *streamState) setUsage(in, out int64) {
	st.mu.Lock()
	if in > st.curIn {
		st.curIn = in
	}
	if out > st.curOut {
		st.curOut = out
	}
	st.mu.Unlock()
}

// foldInvocation moves the finished invocation's usage into the base
// counters so the next validation retry starts clean.
func (st *streamState) foldInvocation(result *runner.Result) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if result != nil {
		if result.InputTokens > st.curIn {
			st.curIn = result.InputTokens
		}
		if result.OutputTokens > st.curOut {
			st.curOut = result.OutputTokens
		}
	}
	st.baseIn += st.curIn
	st.baseOut += st.curOut
	st.curIn, st.curOut = 0, 0
}

// snapshot returns the flushable fields.
func (st *streamState) snapshot() (output string, inTokens, outTokens, msgCount int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return string(st.buf), int(st.baseIn + st.curIn), int(st.baseOut + st.curOut), st.msgCount
}

// outputText returns the buffered output.
func (st *streamState) outputText() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return string(st.buf)
}

// markCompleted flips the one-shot completion latch.
func (st *streamState) markCompleted() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.completed {
		return false
	}
	st.completed = true
	return true
}

// countFlushError returns how many flushes have failed including this one.
func (st *streamState) countFlushError() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.flushErrs++
	return st.flushErrs
}

// startFlushLoop persists streaming progress on the configured cadence. The
// returned stop waits for the loop to exit, so no flush races the terminal
// write.
func (e *Executor) startFlushLoop(ctx context.Context, st *streamState) func() {
	interval := e.deps.Config.FlushInterval()
	if interval <= 0 {
		interval = 3 * time.Second
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.flush(ctx, st)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-finished
	}
}

// flush writes the current stream snapshot to the run row. Failures are
// counted and logged on the first and every tenth occurrence.
func (e *Executor) flush(ctx context.Context, st *streamState) {
	output, inTokens, outTokens, msgCount := st.snapshot()
	update := &models.AgentRun{
		ID:               st.run.ID,
		Output:           output,
		CostInputTokens:  inTokens,
		CostOutputTokens: outTokens,
		MessageCount:     msgCount,
		TimeoutMs:        st.run.TimeoutMs,
		MaxTurns:         st.run.MaxTurns,
	}
	if err := e.deps.Tasks.UpdateRunProgress(ctx, update); err != nil {
		n := st.countFlushError()
		if n == 1 || n%10 == 0 {
			e.log.Warn("failed to flush run progress",
				zap.String("run_id", st.run.ID),
				zap.Int("failures", n),
				zap.Error(err))
		}
	}
}

// handleMessage classifies one streamed message: text goes to the buffer and
// the output callback, tool calls are surfaced structurally and intercepted
// for subtask reconciliation, everything else leaves a bracketed marker.
func (e *Executor) handleMessage(ctx context.Context, prep *prepared, st *streamState, msg *runner.Message) {
	st.bump()
	taskID, runID := prep.task.ID, prep.run.ID
	cb := e.callbacksFor(taskID)

	switch msg.Type {
	case runner.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		if msg.Message.Usage != nil {
			st.setUsage(msg.Message.Usage.InputTokens, msg.Message.Usage.OutputTokens)
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case runner.ContentTypeText:
				if block.Text == "" {
					continue
				}
				st.appendOutput(block.Text)
				if cb.OnOutput != nil {
					cb.OnOutput(taskID, runID, block.Text)
				}
				e.emitStream(ctx, cb, &StreamMessage{
					RunID: runID, TaskID: taskID, Kind: "text", Text: block.Text,
				})
			case runner.ContentTypeToolUse:
				e.emitStream(ctx, cb, &StreamMessage{
					RunID: runID, TaskID: taskID, Kind: "tool_use",
					ToolName: block.Name, ToolID: block.ID,
					Input: truncateInput(block.Input),
				})
				e.interceptToolUse(ctx, prep, block.Name, block.Input)
			}
		}

	case runner.MessageTypeResult:
		if msg.Usage != nil {
			st.setUsage(msg.Usage.InputTokens, msg.Usage.OutputTokens)
		}

	case runner.MessageTypeTool:
		st.appendNote("[tool result]")
		e.emitStream(ctx, cb, &StreamMessage{
			RunID: runID, TaskID: taskID, Kind: "tool_result", ToolID: msg.ToolUseID,
		})

	default:
		st.appendNote("[" + msg.Type + "]")
	}
}

// emitStream delivers a structured message to the attached consumer and the
// event bus.
func (e *Executor) emitStream(ctx context.Context, cb Callbacks, sm *StreamMessage) {
	if cb.OnMessage != nil {
		cb.OnMessage(sm.TaskID, sm)
	}

	data := map[string]interface{}{
		"run_id":  sm.RunID,
		"task_id": sm.TaskID,
		"kind":    sm.Kind,
	}
	if sm.Text != "" {
		data["text"] = sm.Text
	}
	if sm.ToolName != "" {
		data["tool_name"] = sm.ToolName
	}
	if sm.ToolID != "" {
		data["tool_id"] = sm.ToolID
	}
	if len(sm.Input) > 0 {
		data["input"] = sm.Input
	}
	e.publish(ctx, events.AgentRunStream, sm.TaskID, data)
}

// truncateInput copies a tool input map, capping long string values so
// stream consumers never receive whole files.
func truncateInput(input map[string]interface{}) map[string]interface{} {
	if len(input) == 0 {
		return nil
	}
	const maxValue = 256
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		if s, ok := v.(string); ok {
			out[k] = stringutil.TruncateStringWithEllipsis(s, maxValue)
			continue
		}
		out[k] = v
	}
	return out
}
