// Package events provides event types and utilities for the Pipedev event system.
package events

// Event types for tasks
const (
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskStatusChanged = "task.status_changed"
	TaskDeleted       = "task.deleted"
)

// Event types for the per-task activity feed
const (
	TaskEvent = "task.event" // Base subject for task activity events
)

// Event types for pipelines
const (
	PipelineCreated = "pipeline.created"
	PipelineUpdated = "pipeline.updated"
	PipelineDeleted = "pipeline.deleted"
)

// Event types for phases
const (
	PhaseStarted   = "phase.started"
	PhaseCompleted = "phase.completed"
)

// Event types for agent runs
const (
	AgentRunStarted   = "agent.run.started"
	AgentRunCompleted = "agent.run.completed"
	AgentRunFailed    = "agent.run.failed"
	AgentRunCancelled = "agent.run.cancelled"
	AgentRunTimedOut  = "agent.run.timed_out"
)

// Event types for agent stream messages
const (
	AgentRunStream = "agent.run.stream" // Base subject for streamed agent output
)

// Event types for pending prompts
const (
	PromptCreated  = "prompt.created"
	PromptAnswered = "prompt.answered" // Base subject; answered prompts carry the prompt ID token
	PromptExpired  = "prompt.expired"
)

// Event types for worktrees
const (
	WorktreeCreated = "worktree.created"
	WorktreeDeleted = "worktree.deleted"
)

// Event types for queued follow-up messages
const (
	MessageQueued = "message.queued"
)

// Event types for notifications
const (
	NotificationCreated = "notification.created"
)

// BuildTaskEventSubject creates a task activity subject for a specific task
func BuildTaskEventSubject(taskID string) string {
	return TaskEvent + "." + taskID
}

// BuildTaskEventWildcardSubject creates a wildcard subscription for all task activity events
func BuildTaskEventWildcardSubject() string {
	return TaskEvent + ".*"
}

// BuildAgentStreamSubject creates an agent stream subject for a specific task
func BuildAgentStreamSubject(taskID string) string {
	return AgentRunStream + "." + taskID
}

// BuildAgentStreamWildcardSubject creates a wildcard subscription for all agent stream events
func BuildAgentStreamWildcardSubject() string {
	return AgentRunStream + ".*"
}

// BuildPromptAnsweredSubject creates a prompt answered subject for a specific prompt
func BuildPromptAnsweredSubject(promptID string) string {
	return PromptAnswered + "." + promptID
}

// BuildPromptAnsweredWildcardSubject creates a wildcard subscription for all answered prompts
func BuildPromptAnsweredWildcardSubject() string {
	return PromptAnswered + ".*"
}
