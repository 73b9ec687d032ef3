package store

import "github.com/pipedev/pipedev/internal/pipeline/models"

// Defaults returns the built-in pipelines seeded on first start. Guard and
// hook names are plain strings here, exactly as they would appear in a YAML
// definition; the engine resolves them against its registries.
func Defaults() []*models.Pipeline {
	return []*models.Pipeline{featurePipeline(), bugPipeline()}
}

func featurePipeline() *models.Pipeline {
	return &models.Pipeline{
		Name:     "Feature",
		TaskType: "feature",
		Statuses: []models.Status{
			{Name: "backlog", Label: "Backlog", Color: "#6b7280"},
			{Name: "planning", Label: "Planning", Color: "#3b82f6"},
			{Name: "plan_review", Label: "Plan Review", Color: "#8b5cf6"},
			{Name: "implementing", Label: "Implementing", Color: "#f59e0b"},
			{Name: "pr_review", Label: "PR Review", Color: "#ec4899"},
			{Name: "done", Label: "Done", Color: "#10b981", IsFinal: true},
			{Name: "failed", Label: "Failed", Color: "#ef4444", IsFinal: true},
		},
		Transitions: []models.Transition{
			{
				From: "backlog", To: "planning", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{{Name: "no_running_agent"}},
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "plan"}, Policy: models.PolicyFireAndForget},
				},
			},
			{
				From: "planning", To: "plan_review", Trigger: models.TriggerAgent, AgentOutcome: "plan_complete",
				Hooks: []models.HookRef{
					{Name: "notify", Params: map[string]interface{}{
						"titleTemplate": "Plan ready: {taskTitle}",
						"bodyTemplate":  "{taskTitle} moved from {fromStatus} to {toStatus}",
					}},
				},
			},
			{
				From: "planning", To: "planning", Trigger: models.TriggerAgent, AgentOutcome: "needs_info",
				Hooks: []models.HookRef{{Name: "create_prompt"}},
			},
			{
				From: "planning", To: "planning", Trigger: models.TriggerAgent, AgentOutcome: "options_proposed",
				Hooks: []models.HookRef{{Name: "create_prompt"}},
			},
			{
				From: "planning", To: "failed", Trigger: models.TriggerAgent, AgentOutcome: "failed",
				Hooks: []models.HookRef{
					{Name: "notify", Params: map[string]interface{}{
						"titleTemplate": "Planning failed: {taskTitle}",
						"bodyTemplate":  "{taskTitle} moved from {fromStatus} to {toStatus}",
					}},
				},
			},
			{
				From: "plan_review", To: "planning", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{{Name: "no_running_agent"}},
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "plan_revision"}, Policy: models.PolicyFireAndForget},
				},
			},
			{
				From: "plan_review", To: "implementing", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{{Name: "dependencies_resolved"}, {Name: "no_running_agent"}},
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "implement"}, Policy: models.PolicyFireAndForget},
				},
			},
			{
				From: "implementing", To: "pr_review", Trigger: models.TriggerAgent, AgentOutcome: "pr_ready",
				Hooks: []models.HookRef{
					{Name: "push_and_create_pr", Policy: models.PolicyRequired},
					{Name: "notify", Params: map[string]interface{}{
						"titleTemplate": "PR ready: {taskTitle}",
						"bodyTemplate":  "{taskTitle} moved from {fromStatus} to {toStatus}",
					}},
				},
			},
			{
				From: "implementing", To: "implementing", Trigger: models.TriggerAgent, AgentOutcome: "conflicts_detected",
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "resolve_conflicts"}, Policy: models.PolicyFireAndForget},
				},
			},
			{From: "implementing", To: "done", Trigger: models.TriggerAgent, AgentOutcome: "no_changes"},
			{
				From: "implementing", To: "failed", Trigger: models.TriggerAgent, AgentOutcome: "failed",
				Hooks: []models.HookRef{
					{Name: "notify", Params: map[string]interface{}{
						"titleTemplate": "Implementation failed: {taskTitle}",
						"bodyTemplate":  "{taskTitle} moved from {fromStatus} to {toStatus}",
					}},
				},
			},
			{
				From: "pr_review", To: "implementing", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{{Name: "no_running_agent"}},
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "implement"}, Policy: models.PolicyFireAndForget},
				},
			},
			{
				From: "pr_review", To: "done", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{{Name: "has_pr"}},
				Hooks: []models.HookRef{
					{Name: "merge_pr", Policy: models.PolicyRequired},
					{Name: "advance_phase"},
					{Name: "notify", Params: map[string]interface{}{
						"titleTemplate": "Merged: {taskTitle}",
						"bodyTemplate":  "{taskTitle} moved from {fromStatus} to {toStatus}",
					}},
				},
			},
			{
				// advance_phase synthesizes this when pending phases remain.
				From: "done", To: "implementing", Trigger: models.TriggerSystem,
				Guards: []models.GuardRef{{Name: "has_pending_phases"}, {Name: "no_running_agent"}},
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "implement"}, Policy: models.PolicyFireAndForget},
				},
			},
			{
				From: "failed", To: "implementing", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{
					{Name: "max_retries", Params: map[string]interface{}{"max": 3}},
					{Name: "no_running_agent"},
				},
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "implement"}, Policy: models.PolicyFireAndForget},
				},
			},
			{
				From: models.StatusAny, To: "failed", Trigger: models.TriggerManual,
				Hooks: []models.HookRef{
					{Name: "notify", Params: map[string]interface{}{
						"titleTemplate": "Abandoned: {taskTitle}",
						"bodyTemplate":  "{taskTitle} moved from {fromStatus} to {toStatus}",
					}},
				},
			},
		},
	}
}

func bugPipeline() *models.Pipeline {
	return &models.Pipeline{
		Name:     "Bug",
		TaskType: "bug",
		Statuses: []models.Status{
			{Name: "backlog", Label: "Backlog", Color: "#6b7280"},
			{Name: "investigating", Label: "Investigating", Color: "#3b82f6"},
			{Name: "triage", Label: "Triage", Color: "#eab308"},
			{Name: "implementing", Label: "Implementing", Color: "#f59e0b"},
			{Name: "pr_review", Label: "PR Review", Color: "#ec4899"},
			{Name: "done", Label: "Done", Color: "#10b981", IsFinal: true},
			{Name: "failed", Label: "Failed", Color: "#ef4444", IsFinal: true},
		},
		Transitions: []models.Transition{
			{
				From: "backlog", To: "investigating", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{{Name: "no_running_agent"}},
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "investigate"}, Policy: models.PolicyFireAndForget},
				},
			},
			{
				From: "investigating", To: "triage", Trigger: models.TriggerAgent, AgentOutcome: "investigation_complete",
				Hooks: []models.HookRef{
					{Name: "notify", Params: map[string]interface{}{
						"titleTemplate": "Investigation complete: {taskTitle}",
						"bodyTemplate":  "{taskTitle} moved from {fromStatus} to {toStatus}",
					}},
				},
			},
			{From: "investigating", To: "triage", Trigger: models.TriggerAgent, AgentOutcome: "reproduced"},
			{
				From: "investigating", To: "triage", Trigger: models.TriggerAgent, AgentOutcome: "cannot_reproduce",
				Hooks: []models.HookRef{
					{Name: "notify", Params: map[string]interface{}{
						"titleTemplate": "Cannot reproduce: {taskTitle}",
						"bodyTemplate":  "{taskTitle} moved from {fromStatus} to {toStatus}",
					}},
				},
			},
			{
				From: "investigating", To: "investigating", Trigger: models.TriggerAgent, AgentOutcome: "needs_info",
				Hooks: []models.HookRef{{Name: "create_prompt"}},
			},
			{
				From: "triage", To: "implementing", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{{Name: "no_running_agent"}},
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "implement"}, Policy: models.PolicyFireAndForget},
				},
			},
			{
				From: "implementing", To: "pr_review", Trigger: models.TriggerAgent, AgentOutcome: "pr_ready",
				Hooks: []models.HookRef{
					{Name: "push_and_create_pr", Policy: models.PolicyRequired},
				},
			},
			{
				From: "implementing", To: "implementing", Trigger: models.TriggerAgent, AgentOutcome: "conflicts_detected",
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "resolve_conflicts"}, Policy: models.PolicyFireAndForget},
				},
			},
			{From: "implementing", To: "done", Trigger: models.TriggerAgent, AgentOutcome: "no_changes"},
			{
				From: "implementing", To: "failed", Trigger: models.TriggerAgent, AgentOutcome: "failed",
				Hooks: []models.HookRef{
					{Name: "notify", Params: map[string]interface{}{
						"titleTemplate": "Fix failed: {taskTitle}",
						"bodyTemplate":  "{taskTitle} moved from {fromStatus} to {toStatus}",
					}},
				},
			},
			{
				From: "pr_review", To: "implementing", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{{Name: "no_running_agent"}},
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "implement"}, Policy: models.PolicyFireAndForget},
				},
			},
			{
				From: "pr_review", To: "done", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{{Name: "has_pr"}},
				Hooks: []models.HookRef{
					{Name: "merge_pr", Policy: models.PolicyRequired},
					{Name: "notify", Params: map[string]interface{}{
						"titleTemplate": "Merged: {taskTitle}",
						"bodyTemplate":  "{taskTitle} moved from {fromStatus} to {toStatus}",
					}},
				},
			},
			{
				From: "failed", To: "implementing", Trigger: models.TriggerManual,
				Guards: []models.GuardRef{
					{Name: "max_retries", Params: map[string]interface{}{"max": 3}},
					{Name: "no_running_agent"},
				},
				Hooks: []models.HookRef{
					{Name: "start_agent", Params: map[string]interface{}{"mode": "implement"}, Policy: models.PolicyFireAndForget},
				},
			},
			{From: models.StatusAny, To: "failed", Trigger: models.TriggerManual},
		},
	}
}
