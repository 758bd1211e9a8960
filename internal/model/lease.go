package model

import "time"

// Lease is a time-bound, ownership-checked claim used by the Lease
// Coordinator to serialize singleton maintenance work (retention cleanup)
// across multiple controlplane instances.
type Lease struct {
	Name      string    `db:"name" json:"name"`
	OwnerID   string    `db:"owner_id" json:"ownerId"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
	FenceToken int64    `db:"fence_token" json:"fenceToken"`
}

// HeldBy reports whether the lease is currently held by ownerID at the
// given instant.
func (l *Lease) HeldBy(ownerID string, now time.Time) bool {
	return l.OwnerID == ownerID && now.Before(l.ExpiresAt)
}

// Expired reports whether the lease is free to be acquired by a new owner.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
