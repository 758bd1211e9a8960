package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskctl/controlplane/internal/model"
)

// AcquireLease attempts to claim or renew the named lease for ownerID.
// The upsert's WHERE clause only lets the conflict branch fire when the
// lease is expired or already held by ownerID, so a live lease held by a
// different owner is left untouched; the RETURNING clause then tells the
// caller whether ownerID ended up as the holder.
func (s *sqlStore) AcquireLease(ctx context.Context, name, ownerID string, ttlSeconds int) (*model.Lease, bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second)

	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO leases (name, owner_id, expires_at, fence_token)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (name) DO UPDATE SET
			owner_id = excluded.owner_id,
			expires_at = excluded.expires_at,
			fence_token = leases.fence_token + 1
		WHERE leases.expires_at <= ? OR leases.owner_id = ?
		RETURNING name, owner_id, expires_at, fence_token
	`), name, ownerID, expiresAt, now, ownerID)

	var l model.Lease
	err := row.Scan(&l.Name, &l.OwnerID, &l.ExpiresAt, &l.FenceToken)
	if err == sql.ErrNoRows {
		existing, getErr := s.getLease(ctx, name)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &l, l.OwnerID == ownerID, nil
}

func (s *sqlStore) getLease(ctx context.Context, name string) (*model.Lease, error) {
	l := &model.Lease{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT name, owner_id, expires_at, fence_token FROM leases WHERE name = ?
	`), name).Scan(&l.Name, &l.OwnerID, &l.ExpiresAt, &l.FenceToken)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *sqlStore) RenewLease(ctx context.Context, name, ownerID string, ttlSeconds int) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second)

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE leases SET expires_at = ?, fence_token = fence_token + 1
		WHERE name = ? AND owner_id = ? AND expires_at > ?
	`), expiresAt, name, ownerID, now)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *sqlStore) ReleaseLease(ctx context.Context, name, ownerID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM leases WHERE name = ? AND owner_id = ?
	`), name, ownerID)
	return err
}
