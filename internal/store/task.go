package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskctl/controlplane/internal/db/dialect"
	"github.com/taskctl/controlplane/internal/model"
)

func (s *sqlStore) CreateTask(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = model.NewID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (
			id, repository_id, name, harness, prompt, command,
			max_attempts, retry_multiplier, max_artifact_bytes, max_run_bytes,
			timeout_seconds, concurrency_limit, cron, disabled,
			last_git_sync_at, last_git_sha, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.RepositoryID, t.Name, t.Harness, t.Prompt, t.Command,
		t.RetryPolicy.MaxAttempts, t.RetryPolicy.Multiplier, t.ArtifactPolicy.MaxArtifactBytes, t.ArtifactPolicy.MaxRunBytes,
		t.TimeoutSeconds, t.ConcurrencyLimit, t.Cron, dialect.BoolToInt(t.Disabled),
		t.LastGitSyncAt, t.LastGitSHA, t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTask(row interface {
	Scan(dest ...any) error
}) (*model.Task, error) {
	t := &model.Task{}
	var disabled int
	var lastGitSyncAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.RepositoryID, &t.Name, &t.Harness, &t.Prompt, &t.Command,
		&t.RetryPolicy.MaxAttempts, &t.RetryPolicy.Multiplier, &t.ArtifactPolicy.MaxArtifactBytes, &t.ArtifactPolicy.MaxRunBytes,
		&t.TimeoutSeconds, &t.ConcurrencyLimit, &t.Cron, &disabled,
		&lastGitSyncAt, &t.LastGitSHA, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Disabled = disabled != 0
	if lastGitSyncAt.Valid {
		t.LastGitSyncAt = &lastGitSyncAt.Time
	}
	return t, nil
}

const taskColumns = `
	id, repository_id, name, harness, prompt, command,
	max_attempts, retry_multiplier, max_artifact_bytes, max_run_bytes,
	timeout_seconds, concurrency_limit, cron, disabled,
	last_git_sync_at, last_git_sha, created_at, updated_at
`

func (s *sqlStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return t, err
}

func (s *sqlStore) ListTasks(ctx context.Context, repositoryID string) ([]*model.Task, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE repository_id = ? ORDER BY name`), repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListEnabledTasksWithCron(ctx context.Context) ([]*model.Task, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE disabled = 0 AND cron != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateTask(ctx context.Context, t *model.Task) error {
	t.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET name = ?, harness = ?, prompt = ?, command = ?,
			max_attempts = ?, retry_multiplier = ?, max_artifact_bytes = ?, max_run_bytes = ?,
			timeout_seconds = ?, concurrency_limit = ?, cron = ?, disabled = ?, updated_at = ?
		WHERE id = ?
	`), t.Name, t.Harness, t.Prompt, t.Command,
		t.RetryPolicy.MaxAttempts, t.RetryPolicy.Multiplier, t.ArtifactPolicy.MaxArtifactBytes, t.ArtifactPolicy.MaxRunBytes,
		t.TimeoutSeconds, t.ConcurrencyLimit, t.Cron, dialect.BoolToInt(t.Disabled), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task not found: %s", t.ID)
	}
	return nil
}

func (s *sqlStore) UpdateTaskGitSync(ctx context.Context, taskID, sha string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET last_git_sync_at = ?, last_git_sha = ?, updated_at = ? WHERE id = ?
	`), now, sha, now, taskID)
	return err
}
