package schema

// DDL for the embedded backend. Logical table names are used as-is; the git
// mechanics provider owns its own gc_* tables and is never touched here.
var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		karma INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','suspended')),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS repos (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		org_id TEXT NOT NULL DEFAULT '',
		merge_mode TEXT NOT NULL DEFAULT 'review' CHECK(merge_mode IN ('swarm','review','gated')),
		ownership_model TEXT NOT NULL DEFAULT 'guild' CHECK(ownership_model IN ('solo','guild','open')),
		consensus_threshold REAL NOT NULL DEFAULT 0.66 CHECK(consensus_threshold >= 0 AND consensus_threshold <= 1),
		min_reviews INTEGER NOT NULL DEFAULT 1 CHECK(min_reviews >= 1),
		human_review_weight REAL NOT NULL DEFAULT 1.5 CHECK(human_review_weight >= 0),
		agent_access TEXT NOT NULL DEFAULT 'public' CHECK(agent_access IN ('public','karma_threshold','allowlist')),
		min_karma INTEGER NOT NULL DEFAULT 0,
		is_private INTEGER NOT NULL DEFAULT 0,
		has_config_file INTEGER NOT NULL DEFAULT 0,
		buffer_branch TEXT NOT NULL DEFAULT 'buffer',
		promote_target TEXT NOT NULL DEFAULT 'main',
		auto_promote_on_green INTEGER NOT NULL DEFAULT 0,
		auto_revert_on_red INTEGER NOT NULL DEFAULT 1,
		stabilize_command TEXT NOT NULL DEFAULT '',
		stabilize_timeout_seconds INTEGER NOT NULL DEFAULT 1800,
		stage TEXT NOT NULL DEFAULT 'seed' CHECK(stage IN ('seed','growth','established','mature')),
		consensus_authority TEXT NOT NULL DEFAULT 'local' CHECK(consensus_authority IN ('local','server')),
		require_human_approval INTEGER NOT NULL DEFAULT 0,
		human_can_force_merge INTEGER NOT NULL DEFAULT 0,
		plugins_enabled TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS repo_access (
		repo_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		level TEXT NOT NULL CHECK(level IN ('none','read','write','maintain','admin')),
		granted_by TEXT NOT NULL DEFAULT '',
		expires_at DATETIME,
		PRIMARY KEY (repo_id, agent_id),
		FOREIGN KEY (repo_id) REFERENCES repos(id) ON DELETE CASCADE,
		FOREIGN KEY (agent_id) REFERENCES agents(id)
	)`,

	`CREATE TABLE IF NOT EXISTS maintainers (
		repo_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK(role IN ('owner','maintainer')),
		PRIMARY KEY (repo_id, agent_id),
		FOREIGN KEY (repo_id) REFERENCES repos(id) ON DELETE CASCADE,
		FOREIGN KEY (agent_id) REFERENCES agents(id)
	)`,

	`CREATE TABLE IF NOT EXISTS branch_rules (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL,
		branch_pattern TEXT NOT NULL,
		direct_push TEXT NOT NULL DEFAULT 'none' CHECK(direct_push IN ('none','maintainers','all')),
		required_approvals INTEGER NOT NULL DEFAULT 0,
		require_tests_pass INTEGER NOT NULL DEFAULT 0,
		consensus_threshold_override REAL,
		priority INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (repo_id) REFERENCES repos(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		task_id TEXT,
		status TEXT NOT NULL DEFAULT 'active'
			CHECK(status IN ('active','in_review','merged','abandoned','conflicted')),
		review_status TEXT NOT NULL DEFAULT 'pending'
			CHECK(review_status IN ('pending','approved','changes_requested')),
		source TEXT NOT NULL DEFAULT 'cli' CHECK(source IN ('cli','api','external_pr')),
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (repo_id, branch),
		FOREIGN KEY (repo_id) REFERENCES repos(id) ON DELETE CASCADE,
		FOREIGN KEY (agent_id) REFERENCES agents(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_streams_repo_status ON streams(repo_id, status)`,

	`CREATE TABLE IF NOT EXISTS stream_parents (
		stream_id TEXT NOT NULL,
		parent_stream_id TEXT NOT NULL,
		PRIMARY KEY (stream_id, parent_stream_id),
		FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE,
		FOREIGN KEY (parent_stream_id) REFERENCES streams(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS stream_reviews (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		reviewer_id TEXT NOT NULL,
		verdict TEXT NOT NULL CHECK(verdict IN ('approve','request_changes','comment')),
		feedback TEXT NOT NULL DEFAULT '',
		is_human INTEGER NOT NULL DEFAULT 0,
		tested INTEGER NOT NULL DEFAULT 0,
		superseded INTEGER NOT NULL DEFAULT 0,
		reviewed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (stream_id, reviewer_id),
		FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE,
		FOREIGN KEY (reviewer_id) REFERENCES agents(id)
	)`,

	`CREATE TABLE IF NOT EXISTS stream_commits (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		commit_hash TEXT NOT NULL,
		change_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL,
		committed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (stream_id, commit_hash),
		FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS merges (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL UNIQUE,
		repo_id TEXT NOT NULL,
		target_branch TEXT NOT NULL,
		merge_commit TEXT NOT NULL DEFAULT '',
		operation_id INTEGER NOT NULL DEFAULT 0,
		merged_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (stream_id) REFERENCES streams(id)
	)`,

	`CREATE TABLE IF NOT EXISTS merge_queue (
		enqueue_seq INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_id TEXT NOT NULL,
		stream_id TEXT NOT NULL UNIQUE,
		priority_rank INTEGER NOT NULL DEFAULT 50,
		consensus_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		requested_by TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued' CHECK(status IN ('queued','merging','done','failed')),
		FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		target_branch TEXT NOT NULL,
		files TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','resolved')),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		resolved_at DATETIME,
		FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('critical','high','medium','low')),
		status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open','claimed','done','cancelled')),
		created_by TEXT NOT NULL DEFAULT '',
		assigned_to TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (repo_id) REFERENCES repos(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS task_claims (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		stream_id TEXT,
		status TEXT NOT NULL DEFAULT 'active'
			CHECK(status IN ('active','submitted','approved','rejected','abandoned')),
		claimed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (task_id, agent_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (agent_id) REFERENCES agents(id)
	)`,

	`CREATE TABLE IF NOT EXISTS stabilizations (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL,
		result TEXT NOT NULL CHECK(result IN ('green','red','flaky','timeout')),
		buffer_commit TEXT NOT NULL,
		tag TEXT NOT NULL DEFAULT '',
		breaking_stream_id TEXT,
		details TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		stabilized_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (repo_id, buffer_commit, started_at),
		FOREIGN KEY (repo_id) REFERENCES repos(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS promotions (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL,
		from_commit TEXT NOT NULL,
		to_commit TEXT NOT NULL,
		tag TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL DEFAULT 'manual' CHECK(trigger_kind IN ('auto','manual','council')),
		promoted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (repo_id, from_commit, to_commit),
		FOREIGN KEY (repo_id) REFERENCES repos(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS karma_ledger (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT NOT NULL,
		ref_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (agent_id) REFERENCES agents(id)
	)`,

	`CREATE TABLE IF NOT EXISTS sync_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		dead INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_events_repo ON sync_events(repo_id, seq)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		repo_id TEXT PRIMARY KEY,
		cursor TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS plugin_dispatch (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL,
		plugin TEXT NOT NULL,
		tier INTEGER NOT NULL DEFAULT 1,
		trigger_event TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','executed','skipped','failed')),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}
