package persistence

// All is the ordered schema for every store. New schema changes append a new
// migration; existing entries never change once released.
var All = []Migration{
	{
		Name: "0001_core",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS pipelines (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				task_type TEXT NOT NULL UNIQUE,
				statuses TEXT NOT NULL DEFAULT '[]',
				transitions TEXT NOT NULL DEFAULT '[]',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL DEFAULT '',
				pipeline_id TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT DEFAULT '',
				status TEXT NOT NULL,
				priority INTEGER DEFAULT 0,
				tags TEXT DEFAULT '[]',
				parent_task_id TEXT DEFAULT '',
				feature_id TEXT DEFAULT '',
				assignee TEXT DEFAULT '',
				pr_link TEXT DEFAULT '',
				branch_name TEXT DEFAULT '',
				plan TEXT DEFAULT '',
				depends_on TEXT DEFAULT '[]',
				subtasks TEXT DEFAULT '[]',
				metadata TEXT DEFAULT '{}',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_pipeline_id ON tasks(pipeline_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_parent_task_id ON tasks(parent_task_id)`,
		},
	},
	{
		Name: "0002_agent_runs",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS agent_runs (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				agent_type TEXT NOT NULL,
				mode TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'running',
				output TEXT DEFAULT '',
				outcome TEXT DEFAULT '',
				payload TEXT DEFAULT '{}',
				exit_code INTEGER DEFAULT 0,
				started_at TIMESTAMP NOT NULL,
				completed_at TIMESTAMP,
				cost_input_tokens INTEGER DEFAULT 0,
				cost_output_tokens INTEGER DEFAULT 0,
				message_count INTEGER DEFAULT 0,
				timeout_ms INTEGER DEFAULT 0,
				max_turns INTEGER DEFAULT 0,
				prompt TEXT DEFAULT '',
				error TEXT DEFAULT '',
				FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_runs_task_id ON agent_runs(task_id)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_runs_task_status ON agent_runs(task_id, status)`,
		},
	},
	{
		Name: "0003_phases",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS phases (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				name TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				subtasks TEXT DEFAULT '[]',
				pr_link TEXT DEFAULT '',
				position INTEGER DEFAULT 0,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_phases_task_id ON phases(task_id, position)`,
		},
	},
	{
		Name: "0004_artifacts",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS artifacts (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				type TEXT NOT NULL,
				data TEXT DEFAULT '{}',
				created_at TIMESTAMP NOT NULL,
				FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_task_id ON artifacts(task_id)`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_task_type ON artifacts(task_id, type)`,
		},
	},
	{
		Name: "0005_pending_prompts",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS pending_prompts (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				agent_run_id TEXT NOT NULL DEFAULT '',
				prompt_type TEXT NOT NULL,
				payload TEXT DEFAULT '{}',
				response TEXT,
				status TEXT NOT NULL DEFAULT 'pending',
				created_at TIMESTAMP NOT NULL,
				answered_at TIMESTAMP,
				FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_prompts_task_id ON pending_prompts(task_id)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_prompts_run_id ON pending_prompts(agent_run_id)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_prompts_status ON pending_prompts(status)`,
		},
	},
	{
		Name: "0006_context_entries",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS context_entries (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				agent_run_id TEXT DEFAULT '',
				kind TEXT NOT NULL DEFAULT 'note',
				content TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_context_entries_task_id ON context_entries(task_id, created_at)`,
		},
	},
	{
		Name: "0007_audit",
		Statements: []string{
			// Audit tables survive task deletion, so no foreign keys here.
			`CREATE TABLE IF NOT EXISTS task_events (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				category TEXT NOT NULL,
				severity TEXT NOT NULL DEFAULT 'info',
				message TEXT NOT NULL,
				data TEXT DEFAULT '{}',
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS transition_history (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				pipeline_id TEXT NOT NULL DEFAULT '',
				from_status TEXT NOT NULL,
				to_status TEXT NOT NULL,
				trigger TEXT NOT NULL,
				actor TEXT DEFAULT '',
				forced INTEGER DEFAULT 0,
				guard_results TEXT DEFAULT '{}',
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transition_history_task_id ON transition_history(task_id, created_at)`,
		},
	},
	{
		Name: "0008_worktrees",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS worktrees (
				task_id TEXT PRIMARY KEY,
				path TEXT NOT NULL,
				branch TEXT NOT NULL,
				locked INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
		},
	},
}
