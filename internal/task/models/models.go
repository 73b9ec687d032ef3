// Package models defines the task-side persistence entities: tasks with their
// inline subtasks, implementation phases, agent runs, artifacts, prompts,
// context entries and the append-only audit records.
package models

import (
	"strings"
	"time"
)

// SubtaskStatus is the lifecycle of a single subtask.
type SubtaskStatus string

const (
	SubtaskStatusOpen       SubtaskStatus = "open"
	SubtaskStatusInProgress SubtaskStatus = "in_progress"
	SubtaskStatusDone       SubtaskStatus = "done"
)

// PhaseStatus is the lifecycle of an implementation phase.
type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusInProgress PhaseStatus = "in_progress"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusFailed     PhaseStatus = "failed"
)

// RunStatus is the lifecycle of an agent run. Once a run reaches a terminal
// status it never changes again.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusTimedOut  RunStatus = "timed_out"
)

// IsTerminal reports whether the status is one of the final run states.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut:
		return true
	}
	return false
}

// PromptStatus is the lifecycle of a pending prompt.
type PromptStatus string

const (
	PromptStatusPending  PromptStatus = "pending"
	PromptStatusAnswered PromptStatus = "answered"
	PromptStatusExpired  PromptStatus = "expired"
)

// EventSeverity classifies task events for filtering and display.
type EventSeverity string

const (
	SeverityDebug   EventSeverity = "debug"
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event categories used by the activity recorder.
const (
	CategoryTransition = "transition"
	CategoryAgent      = "agent"
	CategoryWorktree   = "worktree"
	CategoryHook       = "hook"
	CategoryGuard      = "guard"
	CategoryPrompt     = "prompt"
	CategorySystem     = "system"
)

// Artifact types produced by agent runs and hooks.
const (
	ArtifactTypeBranch = "branch"
	ArtifactTypePR     = "pr"
	ArtifactTypeDiff   = "diff"
)

// Subtask is a named checklist item. Subtasks live on the task directly or
// inside an implementation phase, never both.
type Subtask struct {
	Name   string        `json:"name"`
	Status SubtaskStatus `json:"status"`
}

// Phase is one implementation phase of a task. Phases are ordered by
// Position; at most one phase is in_progress at a time and completed
// phases never regress.
type Phase struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"task_id"`
	Name      string      `json:"name"`
	Status    PhaseStatus `json:"status"`
	Subtasks  []Subtask   `json:"subtasks,omitempty"`
	PRLink    string      `json:"pr_link,omitempty"`
	Position  int         `json:"position"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Task is the unit of work driven through a pipeline.
type Task struct {
	ID           string                 `json:"id"`
	ProjectID    string                 `json:"project_id"`
	PipelineID   string                 `json:"pipeline_id"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	Status       string                 `json:"status"`
	Priority     int                    `json:"priority"`
	Tags         []string               `json:"tags,omitempty"`
	ParentTaskID string                 `json:"parent_task_id,omitempty"`
	FeatureID    string                 `json:"feature_id,omitempty"`
	Assignee     string                 `json:"assignee,omitempty"`
	PRLink       string                 `json:"pr_link,omitempty"`
	BranchName   string                 `json:"branch_name,omitempty"`
	Plan         string                 `json:"plan,omitempty"`
	DependsOn    []string               `json:"depends_on,omitempty"`
	Subtasks     []Subtask              `json:"subtasks,omitempty"`
	Phases       []*Phase               `json:"phases,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// CurrentPhase returns the in_progress phase, or nil when none is active.
func (t *Task) CurrentPhase() *Phase {
	for _, p := range t.Phases {
		if p.Status == PhaseStatusInProgress {
			return p
		}
	}
	return nil
}

// NextPendingPhase returns the first pending phase in position order, or nil.
func (t *Task) NextPendingPhase() *Phase {
	for _, p := range t.Phases {
		if p.Status == PhaseStatusPending {
			return p
		}
	}
	return nil
}

// CompletedPhaseCount returns how many phases have finished.
func (t *Task) CompletedPhaseCount() int {
	n := 0
	for _, p := range t.Phases {
		if p.Status == PhaseStatusCompleted {
			n++
		}
	}
	return n
}

// FindSubtask locates a subtask by case-insensitive trimmed name match.
// Returns the index or -1.
func FindSubtask(subtasks []Subtask, name string) int {
	want := strings.ToLower(strings.TrimSpace(name))
	for i, st := range subtasks {
		if strings.ToLower(strings.TrimSpace(st.Name)) == want {
			return i
		}
	}
	return -1
}

// AgentRun is one execution of an agent against a task.
type AgentRun struct {
	ID               string                 `json:"id"`
	TaskID           string                 `json:"task_id"`
	AgentType        string                 `json:"agent_type"`
	Mode             string                 `json:"mode"`
	Status           RunStatus              `json:"status"`
	Output           string                 `json:"output"`
	Outcome          string                 `json:"outcome,omitempty"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	ExitCode         int                    `json:"exit_code"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	CostInputTokens  int                    `json:"cost_input_tokens"`
	CostOutputTokens int                    `json:"cost_output_tokens"`
	MessageCount     int                    `json:"message_count"`
	TimeoutMs        int                    `json:"timeout_ms"`
	MaxTurns         int                    `json:"max_turns"`
	Prompt           string                 `json:"prompt,omitempty"`
	Error            string                 `json:"error,omitempty"`
}

// Artifact is an output produced for a task (branch, PR, diff, ...).
// Artifacts are append-only; multiple artifacts of the same type may coexist.
type Artifact struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"task_id"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// PendingPrompt is a human-in-the-loop request raised by a running agent.
// When the owning run terminates, its pending prompts expire.
type PendingPrompt struct {
	ID         string                 `json:"id"`
	TaskID     string                 `json:"task_id"`
	AgentRunID string                 `json:"agent_run_id"`
	PromptType string                 `json:"prompt_type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Response   map[string]interface{} `json:"response,omitempty"`
	Status     PromptStatus           `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	AnsweredAt *time.Time             `json:"answered_at,omitempty"`
}

// Context entry kinds. Finished runs write mode-derived summaries; entries
// added through the API or MCP tools are notes.
const (
	ContextKindNote        = "note"
	ContextKindRunSummary  = "run_summary"
	ContextKindPlanSummary = "plan_summary"
)

// ContextEntry is accumulated agent memory surfaced in future prompts.
// Append-only.
type ContextEntry struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	AgentRunID string    `json:"agent_run_id,omitempty"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskEvent is one append-only activity log row.
type TaskEvent struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"task_id"`
	Category  string                 `json:"category"`
	Severity  EventSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// TransitionRecord is one append-only audit row for a committed status
// change. GuardResults carries each guard's verdict keyed by guard name.
type TransitionRecord struct {
	ID           string                 `json:"id"`
	TaskID       string                 `json:"task_id"`
	PipelineID   string                 `json:"pipeline_id"`
	FromStatus   string                 `json:"from_status"`
	ToStatus     string                 `json:"to_status"`
	Trigger      string                 `json:"trigger"`
	Actor        string                 `json:"actor,omitempty"`
	Forced       bool                   `json:"forced,omitempty"`
	GuardResults map[string]interface{} `json:"guard_results,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
