package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/taskctl/controlplane/internal/db"
)

// sqlStore is the dialect-portable Store implementation. It runs
// unmodified against both SQLite and PostgreSQL: every query that
// differs between dialects goes through internal/db/dialect, and every
// other query sticks to SQL both drivers accept.
type sqlStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	driver string
	pool   *db.Pool
}

// New creates a Store backed by pool, initializing schema on first use.
func New(pool *db.Pool, driver string) (Store, error) {
	s := &sqlStore{db: pool.Writer(), ro: pool.Reader(), driver: driver, pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *sqlStore) Close() error {
	return s.pool.Close()
}

func (s *sqlStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			clone_url TEXT NOT NULL DEFAULT '',
			default_branch TEXT NOT NULL DEFAULT '',
			local_path TEXT NOT NULL DEFAULT '',
			last_fetched_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL,
			name TEXT NOT NULL,
			harness TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			max_attempts INTEGER NOT NULL DEFAULT 1,
			retry_multiplier REAL NOT NULL DEFAULT 1,
			max_artifact_bytes BIGINT NOT NULL DEFAULT 0,
			max_run_bytes BIGINT NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			concurrency_limit INTEGER NOT NULL DEFAULT 1,
			cron TEXT NOT NULL DEFAULT '',
			disabled INTEGER NOT NULL DEFAULT 0,
			last_git_sync_at TIMESTAMP,
			last_git_sha TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY (repository_id) REFERENCES repositories(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_repository_id ON tasks(repository_id)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			runtime_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			summary TEXT NOT NULL DEFAULT '',
			output_json TEXT NOT NULL DEFAULT '',
			result_envelope_ref TEXT NOT NULL DEFAULT '',
			failure_class TEXT NOT NULL DEFAULT '',
			pr_url TEXT NOT NULL DEFAULT '',
			worker_image_ref TEXT NOT NULL DEFAULT '',
			worker_image_digest TEXT NOT NULL DEFAULT '',
			worker_image_source TEXT NOT NULL DEFAULT '',
			execution_mode TEXT NOT NULL DEFAULT '',
			structured_protocol TEXT NOT NULL DEFAULT '',
			session_profile_id TEXT NOT NULL DEFAULT '',
			instruction_stack_hash TEXT NOT NULL DEFAULT '',
			mcp_config_snapshot_json TEXT NOT NULL DEFAULT '',
			automation_run_id TEXT NOT NULL DEFAULT '',
			obsolete INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_runtime_id ON runs(runtime_id)`,
		`CREATE TABLE IF NOT EXISTS task_runtimes (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL UNIQUE,
			runtime_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			active_runs INTEGER NOT NULL DEFAULT 0,
			max_parallel_runs INTEGER NOT NULL DEFAULT 1,
			endpoint TEXT NOT NULL DEFAULT '',
			proxy_endpoint TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL DEFAULT '',
			runtime_home_path TEXT NOT NULL DEFAULT '',
			last_activity_utc TIMESTAMP,
			inactive_after_utc TIMESTAMP,
			last_error TEXT NOT NULL DEFAULT '',
			cold_start_count INTEGER NOT NULL DEFAULT 0,
			inactivity_count INTEGER NOT NULL DEFAULT 0,
			restart_attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS run_structured_events (
			run_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '',
			schema_version TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS run_diff_snapshots (
			run_id TEXT PRIMARY KEY,
			sequence BIGINT NOT NULL,
			diff_stat TEXT NOT NULL DEFAULT '',
			diff_patch TEXT NOT NULL DEFAULT '',
			schema_version TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS run_tool_projections (
			run_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			tool_name TEXT NOT NULL DEFAULT '',
			sequence_start BIGINT NOT NULL DEFAULT 0,
			sequence_end BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			input_json TEXT NOT NULL DEFAULT '',
			output_json TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, tool_call_id)
		)`,
		`CREATE TABLE IF NOT EXISTS run_log_events (
			run_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			level TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			run_id TEXT NOT NULL,
			file_name TEXT NOT NULL,
			sha256 TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, file_name)
		)`,
		`CREATE TABLE IF NOT EXISTS task_runtime_event_checkpoints (
			runtime_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			last_sequence BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (runtime_id, run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			name TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			fence_token BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}
