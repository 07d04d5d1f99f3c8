package schema

// DDL for the server backend. Written against logical table names; the store
// adapter rewrites them with the gitswarm_ prefix at execution time. Boolean
// flags are INTEGER 0/1 in both dialects so row scanning never branches.
var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		karma BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','suspended')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS repos (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		org_id TEXT NOT NULL DEFAULT '',
		merge_mode TEXT NOT NULL DEFAULT 'review' CHECK(merge_mode IN ('swarm','review','gated')),
		ownership_model TEXT NOT NULL DEFAULT 'guild' CHECK(ownership_model IN ('solo','guild','open')),
		consensus_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.66 CHECK(consensus_threshold >= 0 AND consensus_threshold <= 1),
		min_reviews INTEGER NOT NULL DEFAULT 1 CHECK(min_reviews >= 1),
		human_review_weight DOUBLE PRECISION NOT NULL DEFAULT 1.5 CHECK(human_review_weight >= 0),
		agent_access TEXT NOT NULL DEFAULT 'public' CHECK(agent_access IN ('public','karma_threshold','allowlist')),
		min_karma BIGINT NOT NULL DEFAULT 0,
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
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS repo_access (
		repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		level TEXT NOT NULL CHECK(level IN ('none','read','write','maintain','admin')),
		granted_by TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ,
		PRIMARY KEY (repo_id, agent_id)
	)`,

	`CREATE TABLE IF NOT EXISTS maintainers (
		repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		role TEXT NOT NULL CHECK(role IN ('owner','maintainer')),
		PRIMARY KEY (repo_id, agent_id)
	)`,

	`CREATE TABLE IF NOT EXISTS branch_rules (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
		branch_pattern TEXT NOT NULL,
		direct_push TEXT NOT NULL DEFAULT 'none' CHECK(direct_push IN ('none','maintainers','all')),
		required_approvals INTEGER NOT NULL DEFAULT 0,
		require_tests_pass INTEGER NOT NULL DEFAULT 0,
		consensus_threshold_override DOUBLE PRECISION,
		priority INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
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
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (repo_id, branch)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gitswarm_streams_repo_status ON streams(repo_id, status)`,

	`CREATE TABLE IF NOT EXISTS stream_parents (
		stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
		parent_stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
		PRIMARY KEY (stream_id, parent_stream_id)
	)`,

	`CREATE TABLE IF NOT EXISTS stream_reviews (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
		reviewer_id TEXT NOT NULL,
		verdict TEXT NOT NULL CHECK(verdict IN ('approve','request_changes','comment')),
		feedback TEXT NOT NULL DEFAULT '',
		is_human INTEGER NOT NULL DEFAULT 0,
		tested INTEGER NOT NULL DEFAULT 0,
		superseded INTEGER NOT NULL DEFAULT 0,
		reviewed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (stream_id, reviewer_id)
	)`,

	`CREATE TABLE IF NOT EXISTS stream_commits (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
		commit_hash TEXT NOT NULL,
		change_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (stream_id, commit_hash)
	)`,

	`CREATE TABLE IF NOT EXISTS merges (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL UNIQUE REFERENCES streams(id),
		repo_id TEXT NOT NULL,
		target_branch TEXT NOT NULL,
		merge_commit TEXT NOT NULL DEFAULT '',
		operation_id BIGINT NOT NULL DEFAULT 0,
		merged_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS merge_queue (
		enqueue_seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		repo_id TEXT NOT NULL,
		stream_id TEXT NOT NULL UNIQUE REFERENCES streams(id) ON DELETE CASCADE,
		priority_rank INTEGER NOT NULL DEFAULT 50,
		consensus_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		requested_by TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued' CHECK(status IN ('queued','merging','done','failed'))
	)`,

	`CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
		target_branch TEXT NOT NULL,
		files TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','resolved')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('critical','high','medium','low')),
		status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open','claimed','done','cancelled')),
		created_by TEXT NOT NULL DEFAULT '',
		assigned_to TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS task_claims (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		stream_id TEXT,
		status TEXT NOT NULL DEFAULT 'active'
			CHECK(status IN ('active','submitted','approved','rejected','abandoned')),
		claimed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (task_id, agent_id)
	)`,

	`CREATE TABLE IF NOT EXISTS stabilizations (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
		result TEXT NOT NULL CHECK(result IN ('green','red','flaky','timeout')),
		buffer_commit TEXT NOT NULL,
		tag TEXT NOT NULL DEFAULT '',
		breaking_stream_id TEXT,
		details TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		stabilized_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (repo_id, buffer_commit, started_at)
	)`,

	`CREATE TABLE IF NOT EXISTS promotions (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
		from_commit TEXT NOT NULL,
		to_commit TEXT NOT NULL,
		tag TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL DEFAULT 'manual' CHECK(trigger_kind IN ('auto','manual','council')),
		promoted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (repo_id, from_commit, to_commit)
	)`,

	`CREATE TABLE IF NOT EXISTS karma_ledger (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		delta BIGINT NOT NULL,
		reason TEXT NOT NULL,
		ref_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sync_events (
		seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		repo_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		dead INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gitswarm_sync_events_repo ON sync_events(repo_id, seq)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		repo_id TEXT PRIMARY KEY,
		cursor TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS plugin_dispatch (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL,
		plugin TEXT NOT NULL,
		tier INTEGER NOT NULL DEFAULT 1,
		trigger_event TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','executed','skipped','failed')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
