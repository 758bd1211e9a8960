package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskctl/controlplane/internal/model"
)

const taskRuntimeColumns = `
	id, task_id, runtime_id, state, active_runs, max_parallel_runs,
	endpoint, proxy_endpoint, container_id, workspace_path, runtime_home_path,
	last_activity_utc, inactive_after_utc, last_error,
	cold_start_count, inactivity_count, restart_attempts, created_at, updated_at
`

func scanTaskRuntime(row interface {
	Scan(dest ...any) error
}) (*model.TaskRuntime, error) {
	rt := &model.TaskRuntime{}
	var lastActivity sql.NullTime
	var inactiveAfter sql.NullTime
	err := row.Scan(
		&rt.ID, &rt.TaskID, &rt.RuntimeID, &rt.State, &rt.ActiveRuns, &rt.MaxParallelRuns,
		&rt.Endpoint, &rt.ProxyEndpoint, &rt.ContainerID, &rt.WorkspacePath, &rt.RuntimeHomePath,
		&lastActivity, &inactiveAfter, &rt.LastError,
		&rt.ColdStartCount, &rt.InactivityCount, &rt.RestartAttempts, &rt.CreatedAt, &rt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastActivity.Valid {
		rt.LastActivityUtc = lastActivity.Time
	}
	if inactiveAfter.Valid {
		rt.InactiveAfterUtc = &inactiveAfter.Time
	}
	return rt, nil
}

func (s *sqlStore) UpsertTaskRuntime(ctx context.Context, rt *model.TaskRuntime) error {
	if rt.ID == "" {
		rt.ID = model.NewID()
	}
	now := time.Now().UTC()
	rt.UpdatedAt = now

	existing, err := s.GetTaskRuntimeByTaskID(ctx, rt.TaskID)
	if err != nil {
		rt.CreatedAt = now
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO task_runtimes (`+taskRuntimeColumns+`) VALUES (
				?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			)
		`), rt.ID, rt.TaskID, rt.RuntimeID, rt.State, rt.ActiveRuns, rt.MaxParallelRuns,
			rt.Endpoint, rt.ProxyEndpoint, rt.ContainerID, rt.WorkspacePath, rt.RuntimeHomePath,
			rt.LastActivityUtc, rt.InactiveAfterUtc, rt.LastError,
			rt.ColdStartCount, rt.InactivityCount, rt.RestartAttempts, rt.CreatedAt, rt.UpdatedAt)
		return err
	}

	rt.ID = existing.ID
	rt.CreatedAt = existing.CreatedAt
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_runtimes SET runtime_id = ?, state = ?, active_runs = ?, max_parallel_runs = ?,
			endpoint = ?, proxy_endpoint = ?, container_id = ?, workspace_path = ?, runtime_home_path = ?,
			last_activity_utc = ?, inactive_after_utc = ?, last_error = ?,
			cold_start_count = ?, inactivity_count = ?, restart_attempts = ?, updated_at = ?
		WHERE id = ?
	`), rt.RuntimeID, rt.State, rt.ActiveRuns, rt.MaxParallelRuns,
		rt.Endpoint, rt.ProxyEndpoint, rt.ContainerID, rt.WorkspacePath, rt.RuntimeHomePath,
		rt.LastActivityUtc, rt.InactiveAfterUtc, rt.LastError,
		rt.ColdStartCount, rt.InactivityCount, rt.RestartAttempts, rt.UpdatedAt, rt.ID)
	return err
}

func (s *sqlStore) GetTaskRuntime(ctx context.Context, id string) (*model.TaskRuntime, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+taskRuntimeColumns+` FROM task_runtimes WHERE id = ?`), id)
	rt, err := scanTaskRuntime(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task runtime not found: %s", id)
	}
	return rt, err
}

func (s *sqlStore) GetTaskRuntimeByTaskID(ctx context.Context, taskID string) (*model.TaskRuntime, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+taskRuntimeColumns+` FROM task_runtimes WHERE task_id = ?`), taskID)
	rt, err := scanTaskRuntime(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task runtime not found for task: %s", taskID)
	}
	return rt, err
}

func (s *sqlStore) ListTaskRuntimes(ctx context.Context) ([]*model.TaskRuntime, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT `+taskRuntimeColumns+` FROM task_runtimes ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TaskRuntime
	for rows.Next() {
		rt, err := scanTaskRuntime(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateTaskRuntimeState(ctx context.Context, id string, state model.TaskRuntimeState) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_runtimes SET state = ?, updated_at = ? WHERE id = ?
	`), state, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task runtime not found: %s", id)
	}
	return nil
}

func (s *sqlStore) RecordTaskRuntimeHeartbeat(ctx context.Context, runtimeID string, activeSlots int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_runtimes SET active_runs = ?, last_activity_utc = ?, updated_at = ? WHERE runtime_id = ?
	`), activeSlots, now, now, runtimeID)
	return err
}
