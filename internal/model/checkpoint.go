package model

import "time"

// TaskRuntimeEventCheckpoint records the last sequence number the Runtime
// Event Listener has durably processed, keyed by (runtimeId, runId); the
// listener stores the runtime's deliveryId under an empty runId, so a
// reconnect can resume backfill replay from the correct watermark instead
// of reprocessing or skipping events.
type TaskRuntimeEventCheckpoint struct {
	RuntimeID     string    `db:"runtime_id" json:"runtimeId"`
	RunID         string    `db:"run_id" json:"runId"`
	LastSequence  int64     `db:"last_sequence" json:"lastSequence"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// Advance reports whether seq is a valid next checkpoint (strictly greater
// than the last recorded sequence), implementing the effectively-once
// processing guarantee: duplicate or stale sequences are rejected.
func (c *TaskRuntimeEventCheckpoint) Advance(seq int64) bool {
	if seq <= c.LastSequence {
		return false
	}
	c.LastSequence = seq
	return true
}
