package executor

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/agent/runner"
	"github.com/pipedev/pipedev/internal/task/models"
)

// extractionModes are the run modes whose results feed back into the task's
// plan and subtasks.
var extractionModes = map[string]bool{
	"plan":                      true,
	"plan_revision":             true,
	"investigate":               true,
	"technical_design":          true,
	"technical_design_revision": true,
}

// applyExtraction pulls the plan, subtasks and phases out of a successful
// planning-style run. Structured output wins; the streamed text is the
// fallback. Revisions keep existing subtasks once any of them has started.
func (e *Executor) applyExtraction(ctx context.Context, prep *prepared, st *streamState, result *runner.Result) {
	mode := prep.run.Mode
	if !extractionModes[mode] {
		return
	}
	task := prep.task
	payload := payloadMap(result.StructuredOutput)

	plan := extractPlan(payload, st.outputText())
	if plan == "" {
		plan = task.Plan
	}

	if phases := extractPhases(payload, task.ID); len(phases) >= 2 {
		if err := e.deps.Tasks.InstallPhases(ctx, task.ID, phases); err != nil {
			e.log.Warn("failed to install phases",
				zap.String("task_id", task.ID), zap.Error(err))
		} else if err := e.deps.Tasks.UpdateTaskPlanning(ctx, task.ID, plan, nil); err != nil {
			e.log.Warn("failed to persist plan",
				zap.String("task_id", task.ID), zap.Error(err))
		} else {
			task.Plan = plan
			task.Subtasks = nil
			task.Phases = phases
			e.deps.Recorder.Info(ctx, task.ID, models.CategorySystem,
				"installed implementation phases",
				map[string]interface{}{"run_id": prep.run.ID, "count": len(phases)})
		}
		return
	}

	subtasks := extractSubtasks(payload)
	if len(subtasks) == 0 || (isRevision(mode) && anyStarted(task.Subtasks)) {
		subtasks = task.Subtasks
	}
	if err := e.deps.Tasks.UpdateTaskPlanning(ctx, task.ID, plan, subtasks); err != nil {
		e.log.Warn("failed to persist plan",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	task.Plan = plan
	task.Subtasks = subtasks
}

// isRevision reports whether a mode revises an earlier result.
func isRevision(mode string) bool {
	return strings.HasSuffix(mode, "_revision")
}

// anyStarted reports whether any subtask left the open state.
func anyStarted(subtasks []models.Subtask) bool {
	for _, st := range subtasks {
		if st.Status != models.SubtaskStatusOpen {
			return true
		}
	}
	return false
}

// payloadMap decodes structured output into a map. Anything that is not a
// JSON object yields nil.
func payloadMap(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// payloadAny decodes structured output into its raw JSON shape, arrays and
// scalars included, so the schema validator sees what the agent sent.
func payloadAny(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// extractPlan prefers the structured plan field and falls back to the output
// text: its "## Plan" section when present, the whole output otherwise.
func extractPlan(payload map[string]interface{}, output string) string {
	if plan, ok := payload["plan"].(string); ok && strings.TrimSpace(plan) != "" {
		return plan
	}
	if section := markdownSection(output, "## Plan"); section != "" {
		return section
	}
	return strings.TrimSpace(output)
}

// extractSubtasks reads the structured subtasks list. Entries are either
// plain names or objects with name and optional status.
func extractSubtasks(payload map[string]interface{}) []models.Subtask {
	raw, ok := payload["subtasks"].([]interface{})
	if !ok {
		return nil
	}
	subtasks := make([]models.Subtask, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			if v != "" {
				subtasks = append(subtasks, models.Subtask{Name: v, Status: models.SubtaskStatusOpen})
			}
		case map[string]interface{}:
			name := firstString(v, "name", "content", "subject")
			if name == "" {
				continue
			}
			status := todoStatus(firstString(v, "status"))
			if status == "" {
				status = models.SubtaskStatusOpen
			}
			subtasks = append(subtasks, models.Subtask{Name: name, Status: status})
		}
	}
	return subtasks
}

// extractPhases reads the structured phases list. Each phase carries a name
// and optionally its own subtasks.
func extractPhases(payload map[string]interface{}, taskID string) []*models.Phase {
	raw, ok := payload["phases"].([]interface{})
	if !ok {
		return nil
	}
	phases := make([]*models.Phase, 0, len(raw))
	for _, item := range raw {
		var phase *models.Phase
		switch v := item.(type) {
		case string:
			if v != "" {
				phase = &models.Phase{Name: v}
			}
		case map[string]interface{}:
			name := firstString(v, "name", "title")
			if name == "" {
				continue
			}
			phase = &models.Phase{Name: name, Subtasks: extractSubtasks(v)}
		}
		if phase == nil {
			continue
		}
		phase.TaskID = taskID
		phase.Status = models.PhaseStatusPending
		phases = append(phases, phase)
	}
	return phases
}

// summaryOf returns the run's "## Summary" section, or a bounded tail of the
// output when the agent did not write one.
func summaryOf(output string) string {
	if section := markdownSection(output, "## Summary"); section != "" {
		return section
	}
	const max = 1024
	trimmed := strings.TrimSpace(output)
	if len(trimmed) <= max {
		return trimmed
	}
	return "..." + trimmed[len(trimmed)-max:]
}

// markdownSection returns the text under the last occurrence of a heading,
// up to the next same-level heading.
func markdownSection(text, heading string) string {
	idx := strings.LastIndex(text, heading)
	if idx < 0 {
		return ""
	}
	body := text[idx+len(heading):]
	if end := strings.Index(body, "\n## "); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
