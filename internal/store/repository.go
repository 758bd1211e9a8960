package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskctl/controlplane/internal/model"
)

func (s *sqlStore) CreateRepository(ctx context.Context, r *model.Repository) error {
	if r.ID == "" {
		r.ID = model.NewID()
	}
	r.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO repositories (id, name, clone_url, default_branch, local_path, last_fetched_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.Name, r.CloneURL, r.DefaultBranch, r.LocalPath, r.LastFetchedAt, r.CreatedAt)
	return err
}

func (s *sqlStore) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	r := &model.Repository{}
	var lastFetchedAt sql.NullTime
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, name, clone_url, default_branch, local_path, last_fetched_at, created_at
		FROM repositories WHERE id = ?
	`), id).Scan(&r.ID, &r.Name, &r.CloneURL, &r.DefaultBranch, &r.LocalPath, &lastFetchedAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repository not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	if lastFetchedAt.Valid {
		r.LastFetchedAt = &lastFetchedAt.Time
	}
	return r, nil
}

func (s *sqlStore) ListRepositories(ctx context.Context) ([]*model.Repository, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, name, clone_url, default_branch, local_path, last_fetched_at, created_at
		FROM repositories ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Repository
	for rows.Next() {
		r := &model.Repository{}
		var lastFetchedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Name, &r.CloneURL, &r.DefaultBranch, &r.LocalPath, &lastFetchedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		if lastFetchedAt.Valid {
			r.LastFetchedAt = &lastFetchedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateRepositoryFetchState(ctx context.Context, id string, lastFetchedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE repositories SET last_fetched_at = ? WHERE id = ?
	`), lastFetchedAt, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("repository not found: %s", id)
	}
	return nil
}
