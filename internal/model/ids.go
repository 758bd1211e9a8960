// Package model holds the persisted domain entities for the control plane:
// runs, tasks, repositories, task runtimes, and their supporting records.
package model

import "github.com/google/uuid"

// NewID returns a new opaque identifier suitable for any entity in this
// package. Identifiers are never parsed for structure by callers.
func NewID() string {
	return uuid.New().String()
}
