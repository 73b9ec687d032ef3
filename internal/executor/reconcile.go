package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/task/models"
)

// interceptToolUse watches the agent's task-tracking tool calls and mirrors
// them onto the persisted subtasks. Other tools pass through untouched.
func (e *Executor) interceptToolUse(ctx context.Context, prep *prepared, tool string, input map[string]interface{}) {
	switch tool {
	case "TodoWrite":
		e.applyTodoWrite(ctx, prep, input)
	case "TaskCreate":
		e.applyTaskCreate(ctx, prep, input)
	case "TaskUpdate":
		e.applyTaskUpdate(ctx, prep, input)
	}
}

// todoStatus maps the agent-side todo states onto subtask states. Unknown
// states map to "" and are ignored.
func todoStatus(s string) models.SubtaskStatus {
	switch s {
	case "pending", "open":
		return models.SubtaskStatusOpen
	case "in_progress":
		return models.SubtaskStatusInProgress
	case "completed", "done":
		return models.SubtaskStatusDone
	}
	return ""
}

// effectiveSubtasks returns the subtask set this run reconciles against:
// the active phase's on multi-phase tasks, the task's own otherwise.
func effectiveSubtasks(prep *prepared) []models.Subtask {
	if len(prep.phases) >= 2 && prep.active != nil {
		return prep.active.Subtasks
	}
	return prep.task.Subtasks
}

// applyTodoWrite matches each todo against the effective subtasks by
// case-folded trimmed name and persists any status changes.
func (e *Executor) applyTodoWrite(ctx context.Context, prep *prepared, input map[string]interface{}) {
	todos, ok := input["todos"].([]interface{})
	if !ok {
		return
	}

	subtasks := effectiveSubtasks(prep)
	changed := false
	for _, raw := range todos {
		todo, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name := firstString(todo, "content", "subject")
		status, _ := todo["status"].(string)
		if changeSubtask(subtasks, name, todoStatus(status)) {
			changed = true
		}
	}
	if changed {
		e.persistSubtasks(ctx, prep)
	}
}

// applyTaskCreate records the SDK id of a created task so later updates can
// be applied by id, and reconciles an inline status when present.
func (e *Executor) applyTaskCreate(ctx context.Context, prep *prepared, input map[string]interface{}) {
	name := firstString(input, "subject", "name", "content")
	if name == "" {
		return
	}
	if id := firstString(input, "taskId", "id"); id != "" {
		if prep.sdkTasks == nil {
			prep.sdkTasks = make(map[string]string)
		}
		prep.sdkTasks[id] = name
	}
	status, _ := input["status"].(string)
	if changeSubtask(effectiveSubtasks(prep), name, todoStatus(status)) {
		e.persistSubtasks(ctx, prep)
	}
}

// applyTaskUpdate resolves the SDK id recorded by TaskCreate and applies the
// status change.
func (e *Executor) applyTaskUpdate(ctx context.Context, prep *prepared, input map[string]interface{}) {
	name := ""
	if id := firstString(input, "taskId", "id"); id != "" {
		name = prep.sdkTasks[id]
	}
	if name == "" {
		name = firstString(input, "subject", "name", "content")
	}
	status, _ := input["status"].(string)
	if changeSubtask(effectiveSubtasks(prep), name, todoStatus(status)) {
		e.persistSubtasks(ctx, prep)
	}
}

// changeSubtask updates one subtask's status in place. It reports whether
// anything changed.
func changeSubtask(subtasks []models.Subtask, name string, status models.SubtaskStatus) bool {
	if name == "" || status == "" {
		return false
	}
	idx := models.FindSubtask(subtasks, name)
	if idx < 0 || subtasks[idx].Status == status {
		return false
	}
	subtasks[idx].Status = status
	return true
}

// persistSubtasks writes the reconciled subtasks back to their owner.
func (e *Executor) persistSubtasks(ctx context.Context, prep *prepared) {
	var err error
	if len(prep.phases) >= 2 && prep.active != nil {
		err = e.deps.Tasks.UpdatePhase(ctx, prep.active)
	} else {
		err = e.deps.Tasks.UpdateTaskSubtasks(ctx, prep.task.ID, prep.task.Subtasks)
	}
	if err != nil {
		e.log.Warn("failed to persist reconciled subtasks",
			zap.String("task_id", prep.task.ID), zap.Error(err))
	}
}

// firstString returns the first non-empty string among the named keys.
func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
