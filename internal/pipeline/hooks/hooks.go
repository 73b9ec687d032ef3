// Package hooks implements the built-in post-transition hooks: agent
// launches, prompt creation, notifications, PR delivery and phase
// advancement. Hooks run after the status change committed; a required
// hook returning an error makes the engine restore the prior status.
package hooks

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/activity"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/events/bus"
	"github.com/pipedev/pipedev/internal/gitops"
	"github.com/pipedev/pipedev/internal/notify"
	"github.com/pipedev/pipedev/internal/pipeline/engine"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/task/store"
	"github.com/pipedev/pipedev/internal/worktree"

	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
)

// AgentLauncher starts an agent run for a task. The executor implements it;
// hooks only need the fire-and-forget entry point.
type AgentLauncher interface {
	Execute(ctx context.Context, taskID, mode, agentType string) (*models.AgentRun, error)
}

// WorktreeManager is the slice of the worktree manager hooks use.
type WorktreeManager interface {
	Get(ctx context.Context, taskID string) (*worktree.Worktree, error)
	Delete(ctx context.Context, taskID string) error
}

// Deps carries everything the built-in hooks touch. Engine is needed for
// the system transition advance_phase synthesizes.
type Deps struct {
	Engine     *engine.Engine
	Tasks      *store.Store
	Worktrees  WorktreeManager
	Git        gitops.GitOps
	Platform   gitops.ScmPlatform
	Notifier   *notify.Router
	Launcher   AgentLauncher
	Recorder   *activity.Recorder
	Bus        bus.EventBus
	RepoPath   string
	BaseBranch string
	Logger     *logger.Logger
}

// Hooks holds the built-in hook implementations.
type Hooks struct {
	deps   Deps
	logger *logger.Logger
}

// New creates the built-in hook set.
func New(deps Deps) *Hooks {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Hooks{deps: deps, logger: log.WithFields(zap.String("component", "pipeline-hooks"))}
}

// RegisterAll installs the built-in hooks under the names pipeline
// definitions reference them by.
func (h *Hooks) RegisterAll(e *engine.Engine) {
	e.RegisterHook("start_agent", h.StartAgent)
	e.RegisterHook("create_prompt", h.CreatePrompt)
	e.RegisterHook("notify", h.Notify)
	e.RegisterHook("push_and_create_pr", h.PushAndCreatePR)
	e.RegisterHook("merge_pr", h.MergePR)
	e.RegisterHook("advance_phase", h.AdvancePhase)
}

// StartAgent enqueues an agent run. Pipelines declare it fire_and_forget,
// so a launch failure is logged rather than rolled back.
func (h *Hooks) StartAgent(ctx context.Context, task *models.Task, _ *pmodels.Transition, _ engine.TransitionContext, params map[string]interface{}) error {
	if h.deps.Launcher == nil {
		return fmt.Errorf("no agent launcher configured")
	}
	mode := stringParam(params, "mode", "implement")
	agentType := stringParam(params, "agentType", "")

	run, err := h.deps.Launcher.Execute(ctx, task.ID, mode, agentType)
	if err != nil {
		return fmt.Errorf("failed to start %s agent: %w", mode, err)
	}
	h.logger.Info("started agent run",
		zap.String("task_id", task.ID),
		zap.String("run_id", run.ID),
		zap.String("mode", mode))
	return nil
}

// CreatePrompt materializes a pending prompt from the transition context's
// payload. The resumeOutcome param rides along in the payload so the answer
// flow knows which agent transition to fire afterwards.
func (h *Hooks) CreatePrompt(ctx context.Context, task *models.Task, _ *pmodels.Transition, tc engine.TransitionContext, params map[string]interface{}) error {
	payload := map[string]interface{}{}
	if raw, ok := tc.Data["payload"].(map[string]interface{}); ok {
		for k, v := range raw {
			payload[k] = v
		}
	}
	if resume := stringParam(params, "resumeOutcome", ""); resume != "" {
		payload["resumeOutcome"] = resume
	}

	promptType := stringParam(params, "promptType", "")
	if promptType == "" {
		promptType = tc.Outcome()
	}
	if promptType == "" {
		promptType = "question"
	}
	runID, _ := tc.Data["agentRunId"].(string)

	prompt := &models.PendingPrompt{
		TaskID:     task.ID,
		AgentRunID: runID,
		PromptType: promptType,
		Payload:    payload,
	}
	if err := h.deps.Tasks.CreatePrompt(ctx, prompt); err != nil {
		return fmt.Errorf("failed to create prompt: %w", err)
	}

	if h.deps.Recorder != nil {
		h.deps.Recorder.Info(ctx, task.ID, models.CategoryPrompt,
			fmt.Sprintf("prompt created: %s", promptType),
			map[string]interface{}{"prompt_id": prompt.ID})
	}
	h.publish(ctx, events.PromptCreated, map[string]interface{}{
		"prompt_id":   prompt.ID,
		"task_id":     task.ID,
		"prompt_type": promptType,
	})
	return nil
}

// Notify renders the title and body templates and fans them out through the
// notification router.
func (h *Hooks) Notify(ctx context.Context, task *models.Task, _ *pmodels.Transition, tc engine.TransitionContext, params map[string]interface{}) error {
	if h.deps.Notifier == nil {
		return nil
	}
	title := renderTemplate(stringParam(params, "titleTemplate", "{taskTitle}"), task, tc)
	body := renderTemplate(stringParam(params, "bodyTemplate", "{fromStatus} to {toStatus}"), task, tc)
	return h.deps.Notifier.Send(ctx, notify.Notification{TaskID: task.ID, Title: title, Body: body})
}

// PushAndCreatePR pushes the task's worktree branch and opens a pull
// request. The PR link lands on the task and as an artifact; pipelines
// declare this hook required so a push or PR failure rolls the status back.
func (h *Hooks) PushAndCreatePR(ctx context.Context, task *models.Task, _ *pmodels.Transition, _ engine.TransitionContext, _ map[string]interface{}) error {
	wt, err := h.deps.Worktrees.Get(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("no worktree to push: %w", err)
	}
	if err := h.deps.Git.Push(ctx, wt.Path, "origin", wt.Branch, false); err != nil {
		return fmt.Errorf("failed to push %s: %w", wt.Branch, err)
	}

	title := task.Title
	if phases, err := h.deps.Tasks.ListPhases(ctx, task.ID); err == nil {
		for _, p := range phases {
			if p.Status == models.PhaseStatusInProgress {
				title = fmt.Sprintf("%s: %s", task.Title, p.Name)
				break
			}
		}
	}
	body := task.Description
	if body == "" {
		body = fmt.Sprintf("Automated delivery for task %s.", task.ID)
	}

	pr, err := h.deps.Platform.CreatePR(ctx, wt.Path, title, body, wt.Branch, h.deps.BaseBranch)
	if err != nil {
		return fmt.Errorf("failed to create PR: %w", err)
	}
	if err := h.deps.Tasks.SetTaskPRLink(ctx, task.ID, pr.URL); err != nil {
		return fmt.Errorf("failed to record PR link: %w", err)
	}
	task.PRLink = pr.URL

	artifact := &models.Artifact{
		TaskID: task.ID,
		Type:   models.ArtifactTypePR,
		Data: map[string]interface{}{
			"url":    pr.URL,
			"branch": wt.Branch,
			"base":   h.deps.BaseBranch,
		},
	}
	if err := h.deps.Tasks.CreateArtifact(ctx, artifact); err != nil {
		h.logger.Warn("failed to record PR artifact",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	if h.deps.Recorder != nil {
		h.deps.Recorder.Info(ctx, task.ID, models.CategoryHook,
			fmt.Sprintf("opened PR for %s", wt.Branch),
			map[string]interface{}{"url": pr.URL})
	}
	return nil
}

// MergePR merges the task's pull request and tears the worktree down. The
// merge failing fails the hook; worktree teardown after a successful merge
// is best effort.
func (h *Hooks) MergePR(ctx context.Context, task *models.Task, _ *pmodels.Transition, _ engine.TransitionContext, _ map[string]interface{}) error {
	url := task.PRLink
	if url == "" {
		artifact, err := h.deps.Tasks.LatestArtifact(ctx, task.ID, models.ArtifactTypePR)
		if err != nil {
			return fmt.Errorf("no PR to merge: %w", err)
		}
		url, _ = artifact.Data["url"].(string)
	}
	if url == "" {
		return fmt.Errorf("no PR to merge for task %s", task.ID)
	}

	if err := h.deps.Platform.MergePR(ctx, h.deps.RepoPath, url); err != nil {
		return fmt.Errorf("failed to merge %s: %w", url, err)
	}
	if h.deps.Recorder != nil {
		h.deps.Recorder.Info(ctx, task.ID, models.CategoryHook, "merged PR",
			map[string]interface{}{"url": url})
	}

	if err := h.deps.Worktrees.Delete(ctx, task.ID); err != nil {
		h.logger.Warn("failed to delete worktree after merge",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	return nil
}

// AdvancePhase closes out the delivered phase and rolls the task onto the
// next one: complete the in-progress phase (stamping the PR it shipped in),
// clear the task's delivery fields, drop the worktree, activate the next
// pending phase and synthesize a system transition back to the implementing
// status. With no pending phase left the task simply stays where it is.
func (h *Hooks) AdvancePhase(ctx context.Context, task *models.Task, _ *pmodels.Transition, _ engine.TransitionContext, params map[string]interface{}) error {
	phases, err := h.deps.Tasks.ListPhases(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to list phases: %w", err)
	}

	var current, next *models.Phase
	for _, p := range phases {
		if current == nil && p.Status == models.PhaseStatusInProgress {
			current = p
		}
		if next == nil && p.Status == models.PhaseStatusPending {
			next = p
		}
	}

	if current != nil {
		if task.PRLink != "" {
			if err := h.deps.Tasks.SetPhasePRLink(ctx, current.ID, task.PRLink); err != nil {
				return fmt.Errorf("failed to stamp phase PR link: %w", err)
			}
		}
		if err := h.deps.Tasks.UpdatePhaseStatus(ctx, current.ID, models.PhaseStatusCompleted); err != nil {
			return fmt.Errorf("failed to complete phase %s: %w", current.Name, err)
		}
		if h.deps.Recorder != nil {
			h.deps.Recorder.Info(ctx, task.ID, models.CategorySystem,
				fmt.Sprintf("phase completed: %s", current.Name),
				map[string]interface{}{"phase_id": current.ID})
		}
		h.publish(ctx, events.PhaseCompleted, map[string]interface{}{
			"task_id":  task.ID,
			"phase_id": current.ID,
			"name":     current.Name,
		})
	}

	if err := h.deps.Tasks.ClearTaskDelivery(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to clear delivery fields: %w", err)
	}
	task.PRLink, task.BranchName = "", ""

	if err := h.deps.Worktrees.Delete(ctx, task.ID); err != nil {
		h.logger.Warn("failed to delete worktree while advancing phase",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	if next == nil {
		if h.deps.Recorder != nil {
			h.deps.Recorder.Info(ctx, task.ID, models.CategorySystem, "all phases completed", nil)
		}
		return nil
	}

	if err := h.deps.Tasks.UpdatePhaseStatus(ctx, next.ID, models.PhaseStatusInProgress); err != nil {
		return fmt.Errorf("failed to activate phase %s: %w", next.Name, err)
	}
	if h.deps.Recorder != nil {
		h.deps.Recorder.Info(ctx, task.ID, models.CategorySystem,
			fmt.Sprintf("phase started: %s", next.Name),
			map[string]interface{}{"phase_id": next.ID})
	}
	h.publish(ctx, events.PhaseStarted, map[string]interface{}{
		"task_id":  task.ID,
		"phase_id": next.ID,
		"name":     next.Name,
	})

	implementing := stringParam(params, "implementingStatus", "implementing")
	result, err := h.deps.Engine.ExecuteTransition(ctx, task, implementing, engine.TransitionContext{
		Trigger: pmodels.TriggerSystem,
		Actor:   "advance_phase",
		Data: map[string]interface{}{
			"phaseId":   next.ID,
			"phaseName": next.Name,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to re-enter %s: %w", implementing, err)
	}
	if !result.Success {
		return fmt.Errorf("failed to re-enter %s: %s", implementing, result.Error)
	}
	return nil
}

func (h *Hooks) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if h.deps.Bus == nil {
		return
	}
	if err := h.deps.Bus.Publish(ctx, eventType, bus.NewEvent(eventType, "pipeline-hooks", data)); err != nil {
		h.logger.Warn("failed to publish event",
			zap.String("type", eventType),
			zap.Error(err))
	}
}

// renderTemplate substitutes the notification placeholders literally, so
// dollar signs or braces in task titles come through untouched.
func renderTemplate(tpl string, task *models.Task, tc engine.TransitionContext) string {
	return strings.NewReplacer(
		"{taskTitle}", task.Title,
		"{fromStatus}", tc.String("fromStatus"),
		"{toStatus}", tc.String("toStatus"),
	).Replace(tpl)
}

func stringParam(params map[string]interface{}, key, def string) string {
	if params == nil {
		return def
	}
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
