package service

// Request types

// CreateTaskRequest contains the data for creating a new task. Status is
// optional; when empty the task starts in the pipeline's first status.
type CreateTaskRequest struct {
	PipelineID   string                 `json:"pipeline_id"`
	ProjectID    string                 `json:"project_id,omitempty"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Priority     int                    `json:"priority,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	ParentTaskID string                 `json:"parent_task_id,omitempty"`
	Assignee     string                 `json:"assignee,omitempty"`
	DependsOn    []string               `json:"depends_on,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// UpdateTaskRequest contains the data for updating a task. Nil fields are
// left unchanged. Status is deliberately absent: status changes go through
// transitions.
type UpdateTaskRequest struct {
	Title       *string                `json:"title,omitempty"`
	Description *string                `json:"description,omitempty"`
	Priority    *int                   `json:"priority,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Assignee    *string                `json:"assignee,omitempty"`
	Plan        *string                `json:"plan,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// TransitionRequest asks for a manual status change.
type TransitionRequest struct {
	ToStatus string                 `json:"to_status"`
	Actor    string                 `json:"actor,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// OutcomeRequest routes an agent outcome into the pipeline.
type OutcomeRequest struct {
	Outcome    string                 `json:"outcome"`
	AgentRunID string                 `json:"agent_run_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Branch     string                 `json:"branch,omitempty"`
}

// RetryHookRequest re-runs one hook of a pipeline arc out-of-band, usually
// after a best_effort failure. From/To/Trigger name the arc; AgentOutcome
// discriminates agent arcs sharing the same endpoints.
type RetryHookRequest struct {
	Hook         string                 `json:"hook"`
	From         string                 `json:"from"`
	To           string                 `json:"to"`
	Trigger      string                 `json:"trigger,omitempty"`
	AgentOutcome string                 `json:"agent_outcome,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// StartRunRequest asks for an agent run on a task.
type StartRunRequest struct {
	Mode      string `json:"mode,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
}

// AskQuestionRequest creates a question prompt on a task out-of-band.
// Options are suggestions; the answer is free-form either way.
type AskQuestionRequest struct {
	Question   string   `json:"question"`
	Options    []string `json:"options,omitempty"`
	Context    string   `json:"context,omitempty"`
	AgentRunID string   `json:"agent_run_id,omitempty"`
}
