package store

import (
	"context"

	"github.com/taskctl/controlplane/internal/model"
)

func (s *sqlStore) SaveArtifact(ctx context.Context, a *model.Artifact) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO artifacts (run_id, file_name, sha256, size) VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, file_name) DO UPDATE SET sha256 = excluded.sha256, size = excluded.size
	`), a.RunID, a.FileName, a.SHA256, a.Size)
	return err
}

func (s *sqlStore) ListArtifacts(ctx context.Context, runID string) ([]*model.Artifact, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT run_id, file_name, sha256, size FROM artifacts WHERE run_id = ? ORDER BY file_name
	`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Artifact
	for rows.Next() {
		a := &model.Artifact{}
		if err := rows.Scan(&a.RunID, &a.FileName, &a.SHA256, &a.Size); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) SumArtifactBytes(ctx context.Context, runID string) (int64, error) {
	var total int64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COALESCE(SUM(size), 0) FROM artifacts WHERE run_id = ?
	`), runID).Scan(&total)
	return total, err
}
