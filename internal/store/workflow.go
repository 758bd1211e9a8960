package store

import (
	"context"
	"time"

	"github.com/taskctl/controlplane/internal/model"
)

func (s *sqlStore) SaveWorkflowExecution(ctx context.Context, w *model.WorkflowExecution) error {
	w.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workflow_executions (run_id, workflow_id, version, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			version = excluded.version,
			status = excluded.status,
			updated_at = excluded.updated_at
	`), w.RunID, w.WorkflowID, w.Version, w.Status, w.UpdatedAt)
	return err
}

func (s *sqlStore) GetWorkflowExecution(ctx context.Context, runID string) (*model.WorkflowExecution, error) {
	w := &model.WorkflowExecution{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT run_id, workflow_id, version, status, updated_at FROM workflow_executions WHERE run_id = ?
	`), runID).Scan(&w.RunID, &w.WorkflowID, &w.Version, &w.Status, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}
