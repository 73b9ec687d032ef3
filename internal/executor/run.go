package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/agent/outcome"
	"github.com/pipedev/pipedev/internal/agent/prompt"
	"github.com/pipedev/pipedev/internal/agent/runner"
	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/notify"
	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/worktree"
)

// prepared is everything the invocation loop needs after Prepare.
type prepared struct {
	task   *models.Task
	run    *models.AgentRun
	wt     *worktree.Worktree
	phases []*models.Phase
	active *models.Phase
	branch string
	prompt string
	schema map[string]interface{}
	locked bool

	// sdkTasks maps agent-side task ids to subtask names within one run.
	sdkTasks map[string]string
}

// runTask is the background lifecycle of one run: Prepare, the agent
// invocation with its validation loop, Finalize. The deferred block is the
// only place the live entry is removed.
func (e *Executor) runTask(ctx context.Context, lr *liveRun, task *models.Task, run *models.AgentRun) {
	defer e.wg.Done()

	bg := context.Background()
	st := newStreamState(run)
	prep := &prepared{task: task, run: run}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("agent run panicked",
				zap.String("run_id", run.ID),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
			e.finishInternal(bg, prep, st, r)
		}
		lr.cancel()

		e.mu.Lock()
		delete(e.live, run.ID)
		if e.byTask[task.ID] == run.ID {
			delete(e.byTask, task.ID)
		}
		restart := len(e.queues[task.ID]) > 0
		if !restart {
			delete(e.callbacks, task.ID)
		}
		e.mu.Unlock()

		if restart {
			go e.restartForQueued(task.ID, run.Mode, run.AgentType)
		}
	}()

	// Hold a run slot. Runs past the concurrency cap wait here, still in
	// running status, so the supervisor timeout covers queue time too.
	if err := e.sem.Acquire(ctx, 1); err != nil {
		if _, timedOut := lr.flags(); timedOut {
			e.finishTimedOut(bg, prep, st)
		} else {
			e.finishCancelled(bg, prep, st)
		}
		return
	}
	defer e.sem.Release(1)

	if err := e.prepare(ctx, prep); err != nil {
		aborted, timedOut := lr.flags()
		switch {
		case aborted:
			e.finishCancelled(bg, prep, st)
		case timedOut:
			e.finishTimedOut(bg, prep, st)
		default:
			e.finishPrepFailure(bg, prep, st, err)
		}
		return
	}

	stopFlush := e.startFlushLoop(bg, st)
	result, invErr := e.converse(ctx, lr, prep, st)
	stopFlush()

	aborted, timedOut := lr.flags()

	switch {
	case aborted:
		e.finishCancelled(bg, prep, st)
	case timedOut:
		e.finishTimedOut(bg, prep, st)
	case invErr != nil:
		e.finishFailure(bg, prep, st, result, fmt.Sprintf("agent stream failed: %v", invErr))
	case result.ExitCode != 0:
		e.finishFailure(bg, prep, st, result, exitFailureMessage(result))
	default:
		e.finishSuccess(bg, prep, st, result)
	}
}

// restartForQueued re-invokes Execute for a task whose queue filled during
// the previous run.
func (e *Executor) restartForQueued(taskID, mode, agentType string) {
	if _, err := e.Execute(context.Background(), taskID, mode, agentType); err != nil {
		e.log.Warn("failed to restart run for queued messages",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// prepare builds the worktree, the branch and the prompt for a run. The
// worktree lock is taken here and released on every finish path.
func (e *Executor) prepare(ctx context.Context, prep *prepared) error {
	task, run := prep.task, prep.run

	phases, err := e.deps.Tasks.ListPhases(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to load phases: %w", err)
	}
	prep.phases = phases
	prep.active = e.activatePhase(ctx, prep)

	prep.branch = e.branchName(prep)
	wt, err := e.deps.Worktrees.Ensure(ctx, task.ID, prep.branch)
	if err != nil {
		return fmt.Errorf("failed to prepare worktree: %w", err)
	}
	prep.wt = wt
	if err := e.deps.Worktrees.Lock(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to lock worktree: %w", err)
	}
	prep.locked = true

	if task.BranchName != prep.branch {
		if err := e.deps.Tasks.SetTaskBranch(ctx, task.ID, prep.branch); err != nil {
			e.log.Warn("failed to record task branch",
				zap.String("task_id", task.ID), zap.Error(err))
		} else {
			task.BranchName = prep.branch
		}
	}

	if err := e.deps.Git.Clean(ctx, wt.Path); err != nil {
		return fmt.Errorf("failed to clean worktree: %w", err)
	}

	// Rebase onto the base branch so the agent starts from a current tree.
	// resolve_conflicts runs keep the conflicted state they were asked to fix.
	if run.Mode != "resolve_conflicts" {
		if err := e.deps.Git.Fetch(ctx, wt.Path, "origin"); err != nil {
			e.log.Warn("fetch before run failed",
				zap.String("task_id", task.ID), zap.Error(err))
		} else if err := e.deps.Git.Rebase(ctx, wt.Path, "origin/"+e.deps.BaseBranch); err != nil {
			_ = e.deps.Git.RebaseAbort(ctx, wt.Path)
			e.deps.Recorder.Warning(ctx, task.ID, models.CategoryWorktree,
				fmt.Sprintf("rebase onto origin/%s failed; run continues on a stale base", e.deps.BaseBranch),
				map[string]interface{}{"run_id": run.ID, "branch": prep.branch})
		}
	}

	prep.prompt = e.buildPrompt(ctx, prep)
	prep.schema = e.outcomeSchema(ctx, task)
	run.Prompt = prep.prompt
	return nil
}

// activatePhase returns the phase this run works on. An in_progress phase
// wins; otherwise the first pending phase is promoted. Implement runs on a
// phaseless task get a single implicit phase so delivery hooks have
// something to complete.
func (e *Executor) activatePhase(ctx context.Context, prep *prepared) *models.Phase {
	for _, p := range prep.phases {
		if p.Status == models.PhaseStatusInProgress {
			return p
		}
	}
	for _, p := range prep.phases {
		if p.Status == models.PhaseStatusPending {
			if err := e.deps.Tasks.UpdatePhaseStatus(ctx, p.ID, models.PhaseStatusInProgress); err != nil {
				e.log.Warn("failed to activate phase",
					zap.String("phase_id", p.ID), zap.Error(err))
				return nil
			}
			p.Status = models.PhaseStatusInProgress
			return p
		}
	}
	if len(prep.phases) == 0 && prep.run.Mode == "implement" {
		phase := &models.Phase{
			TaskID: prep.task.ID,
			Name:   "Implementation",
			Status: models.PhaseStatusInProgress,
		}
		if err := e.deps.Tasks.CreatePhase(ctx, phase); err != nil {
			e.log.Warn("failed to create implicit phase",
				zap.String("task_id", prep.task.ID), zap.Error(err))
			return nil
		}
		prep.phases = []*models.Phase{phase}
		return phase
	}
	return nil
}

// branchName picks the branch a run works on. Multi-phase tasks get one
// branch per phase; resolve_conflicts stays on the branch that conflicted.
func (e *Executor) branchName(prep *prepared) string {
	if prep.run.Mode == "resolve_conflicts" && prep.task.BranchName != "" {
		return prep.task.BranchName
	}
	if len(prep.phases) >= 2 && prep.active != nil {
		return fmt.Sprintf("task/%s/implement/phase-%d", prep.task.ID, prep.active.Position+1)
	}
	return fmt.Sprintf("task/%s/%s", prep.task.ID, prep.run.Mode)
}

// buildPrompt resolves the mode template and appends accumulated context and
// queued follow-up messages.
func (e *Executor) buildPrompt(ctx context.Context, prep *prepared) string {
	task := prep.task

	subtasks := task.Subtasks
	if len(prep.phases) >= 2 && prep.active != nil {
		subtasks = prep.active.Subtasks
	}

	vars := prompt.Vars{
		TaskTitle:           task.Title,
		TaskDescription:     task.Description,
		TaskID:              task.ID,
		SubtasksSection:     prompt.SubtasksSection(subtasks),
		PlanSection:         prompt.PlanSection(task.Plan),
		PlanCommentsSection: prompt.PlanCommentsSection(metadataStrings(task.Metadata, "planComments")),
		PriorReviewSection:  prompt.PriorReviewSection(metadataStrings(task.Metadata, "reviewComments")),
	}
	if task.ParentTaskID != "" {
		if parent, err := e.deps.Tasks.GetTask(ctx, task.ParentTaskID); err == nil {
			vars.RelatedTaskSection = prompt.RelatedTaskSection(parent.Title, parent.Description)
		}
	}

	text := prompt.Resolve(prep.run.Mode, vars)

	if entries, err := e.deps.Tasks.ListContextEntriesByTask(ctx, task.ID); err == nil && len(entries) > 0 {
		const keep = 5
		if len(entries) > keep {
			entries = entries[len(entries)-keep:]
		}
		var b strings.Builder
		b.WriteString("\n\n## Context from earlier runs\n")
		for _, entry := range entries {
			b.WriteString(entry.Content)
			b.WriteString("\n")
		}
		text += b.String()
	}

	if queued := e.takeQueued(task.ID); len(queued) > 0 {
		text += "\n\n## Follow-up instructions\n" + strings.Join(queued, "\n")
	}
	return text
}

// metadataStrings reads a string list out of task metadata.
func metadataStrings(metadata map[string]interface{}, key string) []string {
	raw, ok := metadata[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// outcomeSchema hints the agent at the outcomes the pipeline can route from
// the task's current status.
func (e *Executor) outcomeSchema(ctx context.Context, task *models.Task) map[string]interface{} {
	transitions, err := e.deps.Engine.ValidTransitions(ctx, task, pmodels.TriggerAgent)
	if err != nil || len(transitions) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	outcomes := make([]interface{}, 0, len(transitions))
	for _, t := range transitions {
		if t.AgentOutcome == "" || seen[t.AgentOutcome] {
			continue
		}
		seen[t.AgentOutcome] = true
		outcomes = append(outcomes, t.AgentOutcome)
	}
	if len(outcomes) == 0 {
		return nil
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"outcome": map[string]interface{}{"type": "string", "enum": outcomes},
		},
	}
}

// converse runs the agent, then loops validation failures back into it until
// the commands pass or the retry budget runs out.
func (e *Executor) converse(ctx context.Context, lr *liveRun, prep *prepared, st *streamState) (*runner.Result, error) {
	basePrompt := prep.prompt
	promptText := basePrompt

	attempt := 0
	for {
		result, err := e.invoke(ctx, lr, prep, st, promptText)
		if err != nil || result.ExitCode != 0 {
			return result, err
		}
		if skipValidation(prep.run.Mode) || len(e.deps.Config.ValidationCommands) == 0 {
			return result, nil
		}

		failures, ok := e.runValidation(ctx, prep)
		if ok {
			return result, nil
		}
		attempt++
		if attempt > e.deps.Config.MaxValidationRetries {
			e.deps.Recorder.Warning(ctx, prep.task.ID, models.CategoryAgent,
				fmt.Sprintf("validation still failing after %d retries", e.deps.Config.MaxValidationRetries),
				map[string]interface{}{"run_id": prep.run.ID})
			return result, nil
		}

		e.deps.Recorder.Warning(ctx, prep.task.ID, models.CategoryAgent,
			fmt.Sprintf("validation failed, retrying (%d/%d)", attempt, e.deps.Config.MaxValidationRetries),
			map[string]interface{}{"run_id": prep.run.ID})
		st.appendNote(fmt.Sprintf("[validation failed, retry %d/%d]", attempt, e.deps.Config.MaxValidationRetries))
		promptText = prompt.WithValidationErrors(basePrompt, failures)
	}
}

// skipValidation reports whether a mode bypasses the validation loop.
// Read-only modes never build, so there is nothing to validate.
func skipValidation(mode string) bool {
	return strings.HasPrefix(mode, "plan") ||
		strings.HasPrefix(mode, "investigate") ||
		strings.HasPrefix(mode, "technical_design")
}

// invoke runs one agent query under the per-invocation deadline.
func (e *Executor) invoke(ctx context.Context, lr *liveRun, prep *prepared, st *streamState, promptText string) (*runner.Result, error) {
	timeout := time.Duration(prep.run.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := runner.Invocation{
		Prompt:       promptText,
		WorkDir:      prep.wt.Path,
		MaxTurns:     prep.run.MaxTurns,
		Timeout:      timeout,
		OutputSchema: prep.schema,
		Inbound:      lr.inbound,
	}

	hctx := context.WithoutCancel(ctx)
	result, err := e.deps.Agent.Query(ictx, inv, func(msg *runner.Message) {
		e.handleMessage(hctx, prep, st, msg)
	})
	st.foldInvocation(result)

	// A deadline on the invocation context with the run context still live
	// means our own timer fired, not a Stop.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		lr.mu.Lock()
		lr.timedOut = true
		lr.mu.Unlock()
	}
	return result, err
}

// finishSuccess is the exit-0 path: schema check, plan extraction, delivery
// downgrades, outcome routing.
func (e *Executor) finishSuccess(ctx context.Context, prep *prepared, st *streamState, result *runner.Result) {
	task, run := prep.task, prep.run

	effective := result.Outcome
	payload := payloadMap(result.StructuredOutput)

	if effective != "" {
		if err := outcome.Validate(effective, payloadAny(result.StructuredOutput)); err != nil {
			e.deps.Recorder.Warning(ctx, task.ID, models.CategoryAgent,
				fmt.Sprintf("outcome payload failed validation: %v", err),
				map[string]interface{}{"run_id": run.ID, "outcome": effective})
		}
	}

	e.applyExtraction(ctx, prep, st, result)

	if effective == outcome.PRReady {
		effective = e.checkDelivery(ctx, prep, effective)
	}

	run.Status = models.RunStatusCompleted
	run.Outcome = effective
	run.Payload = payload
	e.completeRun(ctx, st, run)

	e.writeContextEntry(ctx, prep, st, effective)

	if effective != "" {
		artifact := &models.Artifact{
			TaskID: task.ID,
			Type:   models.ArtifactTypeBranch,
			Data: map[string]interface{}{
				"branch": prep.branch,
				"base":   e.deps.BaseBranch,
			},
		}
		if err := e.deps.Tasks.CreateArtifact(ctx, artifact); err != nil {
			e.log.Warn("failed to record branch artifact",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	e.unlockWorktree(ctx, prep)

	if effective != "" {
		e.routeOutcome(ctx, prep, effective, payload)
	}

	e.announceFinish(ctx, prep, st, events.AgentRunCompleted,
		fmt.Sprintf("agent run completed (outcome %s)", valueOr(effective, "none")))
}

// checkDelivery downgrades pr_ready when the branch has nothing to deliver
// or cannot rebase cleanly.
func (e *Executor) checkDelivery(ctx context.Context, prep *prepared, effective string) string {
	task := prep.task
	base := "origin/" + e.deps.BaseBranch

	diff, err := e.deps.Git.Diff(ctx, prep.wt.Path, base, "")
	if err != nil {
		e.log.Warn("diff against base failed; keeping pr_ready",
			zap.String("task_id", task.ID), zap.Error(err))
		return effective
	}
	if strings.TrimSpace(diff) == "" {
		e.deps.Recorder.Warning(ctx, task.ID, models.CategoryAgent,
			"branch has no changes against "+base+"; outcome downgraded to no_changes",
			map[string]interface{}{"run_id": prep.run.ID, "branch": prep.branch})
		return outcome.NoChanges
	}

	if err := e.deps.Git.Fetch(ctx, prep.wt.Path, "origin"); err != nil {
		e.log.Warn("pre-delivery fetch failed",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	if err := e.deps.Git.Rebase(ctx, prep.wt.Path, base); err != nil {
		_ = e.deps.Git.RebaseAbort(ctx, prep.wt.Path)
		e.deps.Recorder.Warning(ctx, task.ID, models.CategoryAgent,
			"branch conflicts with "+base+"; outcome downgraded to conflicts_detected",
			map[string]interface{}{"run_id": prep.run.ID, "branch": prep.branch})
		return outcome.ConflictsDetected
	}
	return effective
}

// routeOutcome feeds the effective outcome into the pipeline engine.
func (e *Executor) routeOutcome(ctx context.Context, prep *prepared, effective string, payload map[string]interface{}) {
	fresh, err := e.deps.Tasks.GetTask(ctx, prep.task.ID)
	if err != nil {
		e.log.Error("failed to reload task for outcome routing",
			zap.String("task_id", prep.task.ID), zap.Error(err))
		return
	}

	data := map[string]interface{}{
		"outcome":    effective,
		"agentRunId": prep.run.ID,
		"branch":     prep.branch,
	}
	if payload != nil {
		data["payload"] = payload
	}

	result, err := e.deps.Engine.ExecuteAgentOutcome(ctx, fresh, effective, data)
	if err != nil {
		e.deps.Recorder.Warning(ctx, prep.task.ID, models.CategoryAgent,
			fmt.Sprintf("outcome %s has no transition from %q", effective, fresh.Status),
			map[string]interface{}{"run_id": prep.run.ID, "error": err.Error()})
		return
	}
	if !result.Success {
		e.deps.Recorder.Warning(ctx, prep.task.ID, models.CategoryAgent,
			fmt.Sprintf("transition for outcome %s did not commit: %s", effective, result.Error),
			map[string]interface{}{"run_id": prep.run.ID})
	}
}

// finishFailure is the non-zero-exit and stream-error path.
func (e *Executor) finishFailure(ctx context.Context, prep *prepared, st *streamState, result *runner.Result, cause string) {
	run := prep.run

	if prep.active != nil {
		if err := e.deps.Tasks.UpdatePhaseStatus(ctx, prep.active.ID, models.PhaseStatusFailed); err != nil {
			e.log.Warn("failed to mark phase failed",
				zap.String("phase_id", prep.active.ID), zap.Error(err))
		}
	}

	run.Status = models.RunStatusFailed
	run.Outcome = outcome.Failed
	run.Error = cause
	if result != nil {
		run.ExitCode = result.ExitCode
	}
	e.completeRun(ctx, st, run)
	e.writeContextEntry(ctx, prep, st, outcome.Failed)
	e.expirePrompts(ctx, run.ID)
	e.unlockWorktree(ctx, prep)

	e.routeOutcome(ctx, prep, outcome.Failed, map[string]interface{}{
		"exitCode": run.ExitCode,
		"error":    cause,
	})

	e.announceFinish(ctx, prep, st, events.AgentRunFailed, "agent run failed: "+cause)
}

// finishTimedOut is the executor-timer path. The run row records timed_out;
// the pipeline still sees a failed outcome so it can react.
func (e *Executor) finishTimedOut(ctx context.Context, prep *prepared, st *streamState) {
	run := prep.run

	run.Status = models.RunStatusTimedOut
	run.Outcome = outcome.Failed
	run.Error = fmt.Sprintf("agent timed out after %dms", run.TimeoutMs)
	e.completeRun(ctx, st, run)
	e.expirePrompts(ctx, run.ID)
	e.unlockWorktree(ctx, prep)

	e.routeOutcome(ctx, prep, outcome.Failed, map[string]interface{}{
		"timedOut": true,
	})

	e.announceFinish(ctx, prep, st, events.AgentRunTimedOut, run.Error)
}

// finishCancelled is the Stop path. No outcome is routed; the task's queue
// and callback slot are cleared so the next Execute starts fresh.
func (e *Executor) finishCancelled(ctx context.Context, prep *prepared, st *streamState) {
	run := prep.run

	run.Status = models.RunStatusCancelled
	run.Error = "cancelled"
	e.completeRun(ctx, st, run)
	e.expirePrompts(ctx, run.ID)
	e.unlockWorktree(ctx, prep)

	e.mu.Lock()
	delete(e.queues, prep.task.ID)
	delete(e.callbacks, prep.task.ID)
	e.mu.Unlock()

	e.announceFinish(ctx, prep, st, events.AgentRunCancelled, "agent run cancelled")
}

// finishPrepFailure fails a run that never reached the agent. No outcome is
// routed: the task was not advanced, so a retry is a plain re-Execute.
func (e *Executor) finishPrepFailure(ctx context.Context, prep *prepared, st *streamState, err error) {
	run := prep.run

	run.Status = models.RunStatusFailed
	run.Outcome = outcome.Failed
	run.Error = err.Error()
	e.completeRun(ctx, st, run)
	e.unlockWorktree(ctx, prep)

	e.deps.Recorder.Error(ctx, prep.task.ID, models.CategoryAgent,
		"agent run could not start: "+err.Error(),
		map[string]interface{}{"run_id": run.ID, "mode": run.Mode})
	e.announceFinish(ctx, prep, st, events.AgentRunFailed, "agent run could not start")
}

// finishInternal converts a panic in the run goroutine into a failed run. A
// panic after a normal finish leaves the terminal state alone.
func (e *Executor) finishInternal(ctx context.Context, prep *prepared, st *streamState, r interface{}) {
	run := prep.run

	run.Status = models.RunStatusFailed
	run.Outcome = outcome.Failed
	run.Error = fmt.Sprintf("Internal error: %v", r)
	if !e.completeRun(ctx, st, run) {
		return
	}
	e.unlockWorktree(ctx, prep)
	e.announceFinish(ctx, prep, st, events.AgentRunFailed, run.Error)
}

// completeRun persists the terminal run row exactly once. It reports whether
// this call was the one that completed the run.
func (e *Executor) completeRun(ctx context.Context, st *streamState, run *models.AgentRun) bool {
	if !st.markCompleted() {
		return false
	}
	run.Output, run.CostInputTokens, run.CostOutputTokens, run.MessageCount = st.snapshot()
	if err := e.deps.Tasks.CompleteRun(ctx, run); err != nil {
		e.log.Error("failed to persist terminal run state",
			zap.String("run_id", run.ID), zap.Error(err))
	}
	return true
}

// writeContextEntry records what this run did for future prompts. Plan-style
// modes produce a plan summary so later consumers can find it without
// pattern-matching content.
func (e *Executor) writeContextEntry(ctx context.Context, prep *prepared, st *streamState, effective string) {
	kind := models.ContextKindRunSummary
	if strings.HasPrefix(prep.run.Mode, "plan") {
		kind = models.ContextKindPlanSummary
	}
	entry := &models.ContextEntry{
		TaskID:     prep.task.ID,
		AgentRunID: prep.run.ID,
		Kind:       kind,
		Content: fmt.Sprintf("Run in mode %s finished with outcome %s.\n%s",
			prep.run.Mode, valueOr(effective, "none"), summaryOf(st.outputText())),
	}
	if err := e.deps.Tasks.CreateContextEntry(ctx, entry); err != nil {
		e.log.Warn("failed to persist context entry",
			zap.String("task_id", prep.task.ID), zap.Error(err))
	}
}

// expirePrompts drops pending prompts owned by a run that ended abnormally.
func (e *Executor) expirePrompts(ctx context.Context, runID string) {
	if _, err := e.deps.Tasks.ExpirePromptsByRun(ctx, runID); err != nil {
		e.log.Warn("failed to expire prompts",
			zap.String("run_id", runID), zap.Error(err))
	}
}

// unlockWorktree releases the advisory lock, tolerating a worktree a hook
// already deleted. Runs that never took the lock leave it alone; the holder
// may be another process.
func (e *Executor) unlockWorktree(ctx context.Context, prep *prepared) {
	if !prep.locked {
		return
	}
	if err := e.deps.Worktrees.Unlock(ctx, prep.task.ID); err != nil && !errors.Is(err, worktree.ErrWorktreeNotFound) {
		e.log.Warn("failed to unlock worktree",
			zap.String("task_id", prep.task.ID), zap.Error(err))
	}
}

// announceFinish emits the terminal event, activity row, status callback and
// desktop notification for a run.
func (e *Executor) announceFinish(ctx context.Context, prep *prepared, st *streamState, eventType, message string) {
	task, run := prep.task, prep.run

	severity := models.SeverityInfo
	if eventType != events.AgentRunCompleted {
		severity = models.SeverityWarning
	}
	data := map[string]interface{}{
		"run_id":    run.ID,
		"mode":      run.Mode,
		"outcome":   run.Outcome,
		"exit_code": run.ExitCode,
	}
	if severity == models.SeverityInfo {
		e.deps.Recorder.Info(ctx, task.ID, models.CategoryAgent, message, data)
	} else {
		e.deps.Recorder.Warning(ctx, task.ID, models.CategoryAgent, message, data)
	}

	e.publish(ctx, eventType, task.ID, map[string]interface{}{
		"run_id":  run.ID,
		"task_id": task.ID,
		"status":  string(run.Status),
		"outcome": run.Outcome,
	})

	cb := e.callbacksFor(task.ID)
	if cb.OnStatusChange != nil {
		cb.OnStatusChange(task.ID, run.ID, run.Status)
	}
	if cb.OnMessage != nil {
		cb.OnMessage(task.ID, &StreamMessage{
			RunID: run.ID, TaskID: task.ID, Kind: "status", Text: message,
		})
	}

	if e.deps.Notifier != nil {
		if err := e.deps.Notifier.Send(ctx, notify.Notification{
			TaskID: task.ID,
			Title:  task.Title,
			Body:   message,
		}); err != nil {
			e.log.Debug("notification delivery failed", zap.Error(err))
		}
	}

	e.log.Info("agent run finished",
		zap.String("run_id", run.ID),
		zap.String("task_id", task.ID),
		zap.String("status", string(run.Status)),
		zap.String("outcome", run.Outcome))
}

// exitFailureMessage summarizes a non-zero agent exit.
func exitFailureMessage(result *runner.Result) string {
	if len(result.Errors) > 0 {
		return fmt.Sprintf("agent exited with code %d: %s", result.ExitCode, strings.Join(result.Errors, "; "))
	}
	return fmt.Sprintf("agent exited with code %d", result.ExitCode)
}

// valueOr returns s, or fallback when s is empty.
func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
