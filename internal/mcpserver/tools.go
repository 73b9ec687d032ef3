package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/task/service"
	"github.com/pipedev/pipedev/internal/task/store"
)

func registerTools(s *server.MCPServer, svc *service.Service, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List tasks, optionally filtered by status or pipeline."),
			mcp.WithString("status",
				mcp.Description("Only return tasks currently in this status (optional)"),
			),
			mcp.WithString("pipeline_id",
				mcp.Description("Only return tasks bound to this pipeline (optional)"),
			),
		),
		listTasksHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get one task with its subtasks, dependencies and current status."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to fetch"),
			),
		),
		getTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("update_subtask",
			mcp.WithDescription("Update the status of one subtask on a task. Use this to track plan progress."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task the subtask belongs to"),
			),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("The subtask name (matched case-insensitively)"),
			),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("New status: open, in_progress or done"),
			),
		),
		updateSubtaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("ask_user_question",
			mcp.WithDescription(
				"Ask the user a clarifying question when you need more information to proceed. "+
					"Use this when instructions are ambiguous, a decision affects the implementation "+
					"direction, or you need a preference. Blocks until the user answers. "+
					"Returns the user's answer.",
			),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task this question belongs to"),
			),
			mcp.WithString("question",
				mcp.Required(),
				mcp.Description("The question to ask the user"),
			),
			mcp.WithArray("options",
				mcp.Description("Suggested answers the user can pick from (optional; free text is always accepted)"),
			),
			mcp.WithString("context",
				mcp.Description("Why this question is being asked (optional)"),
			),
		),
		askUserQuestionHandler(svc, cfg, log),
	)

	s.AddTool(
		mcp.NewTool("add_context_entry",
			mcp.WithDescription("Record a durable note on the task that future agent runs will see."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task to attach the note to"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The note content"),
			),
			mcp.WithString("agent_run_id",
				mcp.Description("The run recording the note (optional)"),
			),
		),
		addContextEntryHandler(svc, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

func listTasksHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := store.TaskFilter{
			Status:     req.GetString("status", ""),
			PipelineID: req.GetString("pipeline_id", ""),
		}
		tasks, err := svc.ListTasks(ctx, filter)
		if err != nil {
			log.Error("list_tasks failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(tasks, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func getTaskHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := svc.GetTask(ctx, taskID)
		if err != nil {
			log.Error("get_task failed", zap.String("task_id", taskID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(task, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func updateSubtaskHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		switch models.SubtaskStatus(status) {
		case models.SubtaskStatusOpen, models.SubtaskStatusInProgress, models.SubtaskStatusDone:
		default:
			return mcp.NewToolResultError("status must be open, in_progress or done"), nil
		}

		task, err := svc.UpdateSubtask(ctx, taskID, name, models.SubtaskStatus(status))
		if err != nil {
			log.Error("update_subtask failed",
				zap.String("task_id", taskID),
				zap.String("subtask", name),
				zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to update subtask: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(task.Subtasks, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func askUserQuestionHandler(svc *service.Service, cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		options, optErr := stringOptions(req.GetArguments()["options"])
		if optErr != nil {
			return mcp.NewToolResultError(optErr.Error()), nil
		}

		prompt, err := svc.AskQuestion(ctx, taskID, &service.AskQuestionRequest{
			Question: question,
			Options:  options,
			Context:  req.GetString("context", ""),
		})
		if err != nil {
			log.Error("ask_user_question failed", zap.String("task_id", taskID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create prompt: %v", err)), nil
		}

		log.Debug("waiting for prompt answer",
			zap.String("prompt_id", prompt.ID),
			zap.String("task_id", taskID))

		response, err := svc.WaitForPromptAnswer(ctx, prompt.ID, cfg.PromptTimeout)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("No answer: %v", err)), nil
		}

		return mcp.NewToolResultText(formatAnswer(question, response)), nil
	}
}

func addContextEntryHandler(svc *service.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		entry, err := svc.AddContextEntry(ctx, taskID, req.GetString("agent_run_id", ""), content)
		if err != nil {
			log.Error("add_context_entry failed", zap.String("task_id", taskID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to add context entry: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Recorded context entry %s on task %s.", entry.ID, taskID)), nil
	}
}

// stringOptions converts the raw tool argument into option strings. Absent
// options are fine; non-string elements are not.
func stringOptions(raw interface{}) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("options must be an array of strings: %w", err)
	}
	var options []string
	if err := json.Unmarshal(data, &options); err != nil {
		return nil, fmt.Errorf("options must be an array of strings: %w", err)
	}
	return options, nil
}

// formatAnswer renders the user's response for the agent transcript.
func formatAnswer(question string, response map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("# User Response\n\n")
	fmt.Fprintf(&b, "**Question asked:** %s\n\n", question)

	if answer, ok := response["answer"].(string); ok && answer != "" {
		fmt.Fprintf(&b, "**Answer:** %s\n", answer)
	} else if len(response) > 0 {
		raw, _ := json.MarshalIndent(response, "", "  ")
		fmt.Fprintf(&b, "**Answer:**\n%s\n", raw)
	} else {
		b.WriteString("The user did not provide an answer.\n")
	}

	b.WriteString("\nProceed with the task based on the response above.")
	return b.String()
}
