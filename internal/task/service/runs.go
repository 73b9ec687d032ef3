package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/events/bus"
	"github.com/pipedev/pipedev/internal/task/models"
)

// How long WaitForPromptAnswer blocks when the caller passes no timeout.
const defaultPromptWait = 10 * time.Minute

// Run control

// StartRun launches an agent run on a task. Mode defaults to "implement" in
// the executor; the returned run is already persisted as running.
func (s *Service) StartRun(ctx context.Context, taskID string, req *StartRunRequest) (*models.AgentRun, error) {
	if s.runs == nil {
		return nil, ErrNoRunController
	}
	return s.runs.Execute(ctx, taskID, req.Mode, req.AgentType)
}

// StopRun requests cooperative cancellation of a live run.
func (s *Service) StopRun(ctx context.Context, runID string) error {
	if s.runs == nil {
		return ErrNoRunController
	}
	return s.runs.Stop(runID)
}

// QueueMessage delivers a follow-up message to a task's agent: the live run
// when one exists, the next run otherwise.
func (s *Service) QueueMessage(ctx context.Context, taskID, text string) error {
	if s.runs == nil {
		return ErrNoRunController
	}
	s.runs.QueueMessage(ctx, taskID, text)
	return nil
}

// GetRun retrieves one agent run.
func (s *Service) GetRun(ctx context.Context, runID string) (*models.AgentRun, error) {
	return s.tasks.GetRun(ctx, runID)
}

// ListRuns returns a task's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, taskID string) ([]*models.AgentRun, error) {
	return s.tasks.ListRunsByTask(ctx, taskID)
}

// LatestRun returns a task's most recent run, or nil when it has none.
func (s *Service) LatestRun(ctx context.Context, taskID string) (*models.AgentRun, error) {
	return s.tasks.LatestRunByTask(ctx, taskID)
}

// Prompt resolution

// PendingPrompts returns a task's unanswered prompts, oldest first.
func (s *Service) PendingPrompts(ctx context.Context, taskID string) ([]*models.PendingPrompt, error) {
	return s.tasks.ListPendingPromptsByTask(ctx, taskID)
}

// GetPrompt retrieves one prompt.
func (s *Service) GetPrompt(ctx context.Context, promptID string) (*models.PendingPrompt, error) {
	return s.tasks.GetPrompt(ctx, promptID)
}

// AskQuestion creates a question prompt on a task, the same shape the
// create_prompt hook produces, so agent-side tools can ask a human
// mid-run. The caller waits separately via WaitForPromptAnswer.
func (s *Service) AskQuestion(ctx context.Context, taskID string, req *AskQuestionRequest) (*models.PendingPrompt, error) {
	if req == nil || req.Question == "" {
		return nil, errors.New("question is required")
	}
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{"question": req.Question}
	if len(req.Options) > 0 {
		payload["options"] = req.Options
	}
	if req.Context != "" {
		payload["context"] = req.Context
	}

	prompt := &models.PendingPrompt{
		TaskID:     task.ID,
		AgentRunID: req.AgentRunID,
		PromptType: "question",
		Payload:    payload,
	}
	if err := s.tasks.CreatePrompt(ctx, prompt); err != nil {
		return nil, err
	}

	s.recorder.Info(ctx, task.ID, models.CategoryPrompt, "prompt created: question",
		map[string]interface{}{"prompt_id": prompt.ID})
	s.publishEvent(ctx, events.PromptCreated, events.PromptCreated,
		map[string]interface{}{
			"prompt_id":   prompt.ID,
			"task_id":     task.ID,
			"prompt_type": prompt.PromptType,
		})
	return prompt, nil
}

// WaitForPromptAnswer blocks until the prompt is answered, the timeout
// elapses, or ctx ends. The subscription opens before the status re-read,
// so an answer cannot slip between the two.
func (s *Service) WaitForPromptAnswer(ctx context.Context, promptID string, timeout time.Duration) (map[string]interface{}, error) {
	if timeout <= 0 {
		timeout = defaultPromptWait
	}

	answered := make(chan map[string]interface{}, 1)
	if s.eventBus != nil {
		sub, err := s.eventBus.Subscribe(events.BuildPromptAnsweredSubject(promptID),
			func(ctx context.Context, event *bus.Event) error {
				response, _ := event.Data["response"].(map[string]interface{})
				select {
				case answered <- response:
				default:
				}
				return nil
			})
		if err != nil {
			return nil, err
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	prompt, err := s.tasks.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}
	switch prompt.Status {
	case models.PromptStatusAnswered:
		return prompt.Response, nil
	case models.PromptStatusExpired:
		return nil, fmt.Errorf("prompt expired: %s", promptID)
	}
	if s.eventBus == nil {
		return nil, errors.New("prompt waiting requires an event bus")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case response := <-answered:
		return response, nil
	case <-timer.C:
		return nil, fmt.Errorf("prompt wait timed out: %s", promptID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AnswerPrompt resolves a pending prompt. The answer is recorded, published
// for waiters, queued to the task's agent, and when the prompt carries a
// resume outcome, routed back into the pipeline so the task leaves its
// waiting status.
func (s *Service) AnswerPrompt(ctx context.Context, promptID string, response map[string]interface{}) (*models.PendingPrompt, error) {
	prompt, err := s.tasks.AnswerPrompt(ctx, promptID, response)
	if err != nil {
		return nil, err
	}

	s.recorder.Info(ctx, prompt.TaskID, models.CategoryPrompt, "Prompt answered",
		map[string]interface{}{
			"prompt_id":   prompt.ID,
			"prompt_type": prompt.PromptType,
		})
	s.publishEvent(ctx, events.BuildPromptAnsweredSubject(prompt.ID), events.PromptAnswered,
		map[string]interface{}{
			"prompt_id": prompt.ID,
			"task_id":   prompt.TaskID,
			"response":  response,
		})

	if s.runs != nil {
		if text := answerText(response); text != "" {
			s.runs.QueueMessage(ctx, prompt.TaskID, text)
		}
	}

	s.resumeFromPrompt(ctx, prompt, response)
	return prompt, nil
}

// resumeFromPrompt fires the agent transition named by the prompt's
// resumeOutcome, if any. An unrouted or blocked resume leaves the task
// where it is; the answer itself already succeeded.
func (s *Service) resumeFromPrompt(ctx context.Context, prompt *models.PendingPrompt, response map[string]interface{}) {
	outcome, _ := prompt.Payload["resumeOutcome"].(string)
	if outcome == "" {
		return
	}

	task, err := s.tasks.GetTask(ctx, prompt.TaskID)
	if err != nil {
		s.logger.Warn("prompt resume: task gone",
			zap.String("task_id", prompt.TaskID), zap.Error(err))
		return
	}

	data := map[string]interface{}{
		"promptId": prompt.ID,
		"payload":  response,
	}
	if prompt.AgentRunID != "" {
		data["agentRunId"] = prompt.AgentRunID
	}
	result, err := s.engine.ExecuteAgentOutcome(ctx, task, outcome, data)
	if err != nil {
		s.logger.Warn("prompt resume transition errored",
			zap.String("task_id", task.ID),
			zap.String("outcome", outcome),
			zap.Error(err))
		return
	}
	if !result.Success {
		s.logger.Warn("prompt resume transition not taken",
			zap.String("task_id", task.ID),
			zap.String("outcome", outcome),
			zap.String("reason", result.Error))
	}
}

// answerText renders the response for the agent's stdin. A plain "answer"
// string passes through; anything else is handed over as JSON.
func answerText(response map[string]interface{}) string {
	if s, ok := response["answer"].(string); ok {
		return s
	}
	if len(response) == 0 {
		return ""
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return ""
	}
	return string(raw)
}
