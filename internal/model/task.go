package model

import "time"

// ArtifactPolicy bounds artifact sizes for runs of a task. Zero values fall
// back to the global defaults in the listener (100 MiB / 250 MiB).
type ArtifactPolicy struct {
	MaxArtifactBytes int64 `db:"max_artifact_bytes" json:"maxArtifactBytes"`
	MaxRunBytes      int64 `db:"max_run_bytes" json:"maxRunBytes"`
}

const (
	DefaultMaxArtifactBytes = 100 * 1024 * 1024
	DefaultMaxRunBytes      = 250 * 1024 * 1024
)

// Effective returns the policy with defaults substituted for zero fields.
func (p ArtifactPolicy) Effective() ArtifactPolicy {
	if p.MaxArtifactBytes <= 0 {
		p.MaxArtifactBytes = DefaultMaxArtifactBytes
	}
	if p.MaxRunBytes <= 0 {
		p.MaxRunBytes = DefaultMaxRunBytes
	}
	return p
}

// Task is the recipe used to produce runs: harness, prompt, command,
// retry policy, artifact policy, timeouts, concurrency limit and cron.
type Task struct {
	ID               string         `db:"id" json:"id"`
	RepositoryID     string         `db:"repository_id" json:"repositoryId"`
	Name             string         `db:"name" json:"name"`
	Harness          string         `db:"harness" json:"harness"`
	Prompt           string         `db:"prompt" json:"prompt"`
	Command          string         `db:"command" json:"command"`
	RetryPolicy      RetryPolicy    `db:"-" json:"retryPolicy"`
	ArtifactPolicy   ArtifactPolicy `db:"-" json:"artifactPolicy"`
	TimeoutSeconds   int            `db:"timeout_seconds" json:"timeoutSeconds"`
	ConcurrencyLimit int            `db:"concurrency_limit" json:"concurrencyLimit"`
	Cron             string         `db:"cron" json:"cron,omitempty"`
	Disabled         bool           `db:"disabled" json:"disabled"`

	LastGitSyncAt *time.Time `db:"last_git_sync_at" json:"lastGitSyncAt,omitempty"`
	LastGitSHA    string     `db:"last_git_sha" json:"lastGitSha,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// EffectiveConcurrencyLimit returns the task's concurrency limit, defaulting
// to 1 when unset.
func (t *Task) EffectiveConcurrencyLimit() int {
	if t.ConcurrencyLimit <= 0 {
		return 1
	}
	return t.ConcurrencyLimit
}
