package service

import (
	"context"
	"fmt"

	"github.com/pipedev/pipedev/internal/pipeline/engine"
	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
	"github.com/pipedev/pipedev/internal/task/models"
)

// Transition operations. The facade resolves the task and hands the heavy
// lifting to the engine; domain failures come back inside the result, not
// as Go errors.

// ExecuteTransition attempts a manual status change.
func (s *Service) ExecuteTransition(ctx context.Context, taskID string, req *TransitionRequest) (*engine.TransitionResult, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	tc := engine.TransitionContext{
		Trigger: pmodels.TriggerManual,
		Actor:   req.Actor,
		Data:    req.Data,
	}
	return s.engine.ExecuteTransition(ctx, task, req.ToStatus, tc)
}

// ExecuteOutcome routes an agent outcome through the pipeline. The outcome
// picks the arc; data carries the run id, payload and branch for hooks.
func (s *Service) ExecuteOutcome(ctx context.Context, taskID string, req *OutcomeRequest) (*engine.TransitionResult, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	data := map[string]interface{}{}
	if req.AgentRunID != "" {
		data["agentRunId"] = req.AgentRunID
	}
	if req.Payload != nil {
		data["payload"] = req.Payload
	}
	if req.Branch != "" {
		data["branch"] = req.Branch
	}
	return s.engine.ExecuteAgentOutcome(ctx, task, req.Outcome, data)
}

// ForceTransition moves the task to any status the pipeline defines,
// bypassing guards. Matching hooks still run; the audit row is marked forced.
func (s *Service) ForceTransition(ctx context.Context, taskID string, req *TransitionRequest) (*engine.TransitionResult, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	tc := engine.TransitionContext{
		Trigger: pmodels.TriggerManual,
		Actor:   req.Actor,
		Data:    req.Data,
	}
	return s.engine.ExecuteForceTransition(ctx, task, req.ToStatus, tc)
}

// CheckGuards dry-runs the guards of a candidate transition. A nil result
// means no transition matches.
func (s *Service) CheckGuards(ctx context.Context, taskID, toStatus string, trigger pmodels.Trigger) (*engine.GuardCheckResult, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.engine.CheckGuards(ctx, task, toStatus, trigger)
}

// RetryHook re-invokes one hook of a pipeline arc out-of-band. The status
// is not changed. The arc is resolved from the task's pipeline; retrying a
// hook of a past transition works even after the task moved on.
func (s *Service) RetryHook(ctx context.Context, taskID string, req *RetryHookRequest) (*engine.HookRetryResult, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pipeline, err := s.pipelines.Get(ctx, task.PipelineID)
	if err != nil {
		return nil, err
	}
	trigger := pmodels.Trigger(req.Trigger)
	if trigger == "" {
		trigger = pmodels.TriggerManual
	}
	transition := engine.FindTransition(pipeline, req.From, req.To, trigger, req.AgentOutcome)
	if transition == nil {
		return nil, fmt.Errorf("transition not found: no %s arc from %q to %q", trigger, req.From, req.To)
	}
	tc := engine.TransitionContext{Trigger: trigger, Data: req.Data}
	return s.engine.RetryHook(ctx, task, req.Hook, transition, tc)
}

// ValidTransitions lists the transitions leaving the task's current status,
// filtered by trigger when one is given.
func (s *Service) ValidTransitions(ctx context.Context, taskID string, trigger pmodels.Trigger) ([]pmodels.Transition, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.engine.ValidTransitions(ctx, task, trigger)
}

// AllTransitions groups the task's valid transitions by trigger.
func (s *Service) AllTransitions(ctx context.Context, taskID string) (map[pmodels.Trigger][]pmodels.Transition, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.engine.AllTransitions(ctx, task)
}

// TransitionHistory returns the task's committed transitions, newest first.
func (s *Service) TransitionHistory(ctx context.Context, taskID string, limit int) ([]*models.TransitionRecord, error) {
	return s.tasks.ListTransitionsByTask(ctx, taskID, limit)
}
