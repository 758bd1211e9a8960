package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskctl/controlplane/internal/model"
)

func (s *sqlStore) GetCheckpoint(ctx context.Context, runtimeID, runID string) (*model.TaskRuntimeEventCheckpoint, error) {
	c := &model.TaskRuntimeEventCheckpoint{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT runtime_id, run_id, last_sequence, updated_at FROM task_runtime_event_checkpoints
		WHERE runtime_id = ? AND run_id = ?
	`), runtimeID, runID).Scan(&c.RuntimeID, &c.RunID, &c.LastSequence, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return &model.TaskRuntimeEventCheckpoint{RuntimeID: runtimeID, RunID: runID}, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqlStore) SaveCheckpoint(ctx context.Context, c *model.TaskRuntimeEventCheckpoint) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_runtime_event_checkpoints (runtime_id, run_id, last_sequence, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (runtime_id, run_id) DO UPDATE SET last_sequence = excluded.last_sequence, updated_at = excluded.updated_at
	`), c.RuntimeID, c.RunID, c.LastSequence, c.UpdatedAt)
	return err
}
