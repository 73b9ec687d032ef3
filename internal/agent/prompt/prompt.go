// Package prompt resolves the prompt an agent run is invoked with. Templates
// are plain strings with {placeholder} markers; substitution is literal, so
// replacement text containing $ or regex metacharacters passes through
// untouched.
package prompt

import (
	"fmt"
	"strings"

	"github.com/pipedev/pipedev/internal/task/models"
)

// Mode-specific templates. Unknown modes fall back to defaultTemplate.
const (
	planTemplate = `You are planning the task "{taskTitle}" (ID: {taskId}).

## Task
{taskDescription}
{subtasksSection}{planCommentsSection}{relatedTaskSection}
Analyze the repository and produce an implementation plan. Do not modify any
files; this run is read-only. When questions block you, report the outcome
needs_info with your questions.`

	planRevisionTemplate = `You are revising the plan for the task "{taskTitle}" (ID: {taskId}).

## Task
{taskDescription}
{planSection}{planCommentsSection}{subtasksSection}
Address every comment and produce the updated plan.`

	implementTemplate = `You are implementing the task "{taskTitle}" (ID: {taskId}).

## Task
{taskDescription}
{planSection}{subtasksSection}{priorReviewSection}{relatedTaskSection}
Work in the current checkout on the current branch. Commit as you go with
clear messages. Keep subtask statuses up to date via the TodoWrite tool.`

	resolveConflictsTemplate = `You are resolving rebase conflicts for the task "{taskTitle}" (ID: {taskId}).

## Task
{taskDescription}
{planSection}
The branch has conflicts against origin/main. Rebase, resolve every conflict
preserving the intent of both sides, and leave the worktree clean.`

	investigateTemplate = `You are investigating the bug "{taskTitle}" (ID: {taskId}).

## Report
{taskDescription}
{relatedTaskSection}
Find the root cause. Try to reproduce it; report reproduced or
cannot_reproduce accordingly, with your findings.`

	defaultTemplate = `You are working on the task "{taskTitle}" (ID: {taskId}).

## Task
{taskDescription}
{planSection}{subtasksSection}{planCommentsSection}{priorReviewSection}{relatedTaskSection}`
)

// summarySuffix is appended to every resolved prompt.
const summarySuffix = "\n\n## Summary\nWhen you are done, end with a \"## Summary\" section describing what you did and anything the next run should know."

// Vars carries the placeholder values. Section fields are either empty or a
// complete markdown block ending in a newline.
type Vars struct {
	TaskTitle           string
	TaskDescription     string
	TaskID              string
	SubtasksSection     string
	PlanSection         string
	PlanCommentsSection string
	PriorReviewSection  string
	RelatedTaskSection  string
}

// templateFor returns the base template for a mode.
func templateFor(mode string) string {
	switch mode {
	case "plan":
		return planTemplate
	case "plan_revision":
		return planRevisionTemplate
	case "implement":
		return implementTemplate
	case "resolve_conflicts":
		return resolveConflictsTemplate
	case "investigate":
		return investigateTemplate
	default:
		return defaultTemplate
	}
}

// Resolve substitutes the placeholders into the mode's template and appends
// the summary suffix.
func Resolve(mode string, vars Vars) string {
	result := templateFor(mode)
	result = strings.ReplaceAll(result, "{taskTitle}", vars.TaskTitle)
	result = strings.ReplaceAll(result, "{taskDescription}", vars.TaskDescription)
	result = strings.ReplaceAll(result, "{taskId}", vars.TaskID)
	result = strings.ReplaceAll(result, "{subtasksSection}", vars.SubtasksSection)
	result = strings.ReplaceAll(result, "{planSection}", vars.PlanSection)
	result = strings.ReplaceAll(result, "{planCommentsSection}", vars.PlanCommentsSection)
	result = strings.ReplaceAll(result, "{priorReviewSection}", vars.PriorReviewSection)
	result = strings.ReplaceAll(result, "{relatedTaskSection}", vars.RelatedTaskSection)
	return result + summarySuffix
}

// WithValidationErrors appends the validation failure appendix for retry
// invocations.
func WithValidationErrors(prompt, validationErrors string) string {
	return prompt + "\n\n## Validation failures\nThe previous attempt did not pass validation. Please fix these errors:\n\n" + validationErrors
}

// SubtasksSection renders a checklist block, or "" when there are no
// subtasks.
func SubtasksSection(subtasks []models.Subtask) string {
	if len(subtasks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Subtasks\n")
	for _, st := range subtasks {
		mark := " "
		if st.Status == models.SubtaskStatusDone {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, st.Name)
	}
	b.WriteString("\n")
	return b.String()
}

// PlanSection renders the approved plan block, or "" when no plan exists.
func PlanSection(plan string) string {
	if strings.TrimSpace(plan) == "" {
		return ""
	}
	return "## Plan\n" + plan + "\n\n"
}

// PlanCommentsSection renders reviewer comments on the plan.
func PlanCommentsSection(comments []string) string {
	return commentSection("## Plan comments", comments)
}

// PriorReviewSection renders code review comments from the previous round.
func PriorReviewSection(comments []string) string {
	return commentSection("## Review comments to address", comments)
}

func commentSection(heading string, comments []string) string {
	if len(comments) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(heading + "\n")
	for _, c := range comments {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\n")
	return b.String()
}

// RelatedTaskSection renders a pointer to a related task, typically the
// parent.
func RelatedTaskSection(title, description string) string {
	if title == "" {
		return ""
	}
	s := "## Related task\n" + title + "\n"
	if description != "" {
		s += description + "\n"
	}
	return s + "\n"
}
