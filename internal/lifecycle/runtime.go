// Package lifecycle owns the set of TaskRuntimes and their containers: it
// provisions a TaskRuntime per Task, tracks heartbeats, restarts or
// recycles unhealthy runtimes, drains runtimes before removal, and scales
// down idle capacity.
package lifecycle

import "context"

// Runtime abstracts the execution environment that hosts TaskRuntime
// containers (Docker today; the interface leaves room for others).
type Runtime interface {
	// Name identifies the runtime backend, e.g. "docker".
	Name() string

	// HealthCheck verifies the backend itself (not a specific container)
	// is reachable.
	HealthCheck(ctx context.Context) error

	// Provision creates and starts a container for req, returning enough
	// information to populate a model.TaskRuntime row.
	Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)

	// Stop stops containerID, killing it instead of a graceful stop when
	// force is set.
	Stop(ctx context.Context, containerID string, force bool) error

	// Remove removes containerID entirely so a later Provision call can
	// recreate it from a clean state.
	Remove(ctx context.Context, containerID string) error

	// Recover discovers containers left running from a prior process
	// instance (identified by label) so they can be re-tracked instead of
	// orphaned.
	Recover(ctx context.Context) ([]RecoveredContainer, error)

	// EnsureImageAvailable resolves and, if necessary, pulls image,
	// reporting progress as it streams from the backend.
	EnsureImageAvailable(ctx context.Context, image string, progress func(status string, current, total int64)) error
}

// ProvisionRequest describes the container to create for a TaskRuntime.
type ProvisionRequest struct {
	RuntimeID      string
	TaskID         string
	RepositoryID   string
	Image          string
	WorkspacePath  string
	MainRepoGitDir string
	Env            map[string]string
}

// ProvisionResult carries back what the runtime needs recorded against the
// TaskRuntime row.
type ProvisionResult struct {
	ContainerID   string
	Endpoint      string
	WorkspacePath string
}

// RecoveredContainer is a container discovered by Recover, keyed back to
// its owning TaskRuntime via container labels.
type RecoveredContainer struct {
	ContainerID  string
	RuntimeID    string
	TaskID       string
	RepositoryID string
	Endpoint     string
}
