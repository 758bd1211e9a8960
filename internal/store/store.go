// Package store implements the controlplane's persisted-entity layer on
// top of a dialect-portable *sqlx.DB pair (writer/reader), following the
// single-repository-package pattern used for task storage, generalized
// to run both against SQLite and PostgreSQL through internal/db/dialect.
package store

import (
	"context"
	"time"

	"github.com/taskctl/controlplane/internal/model"
)

// Store is the persisted-entity interface used by every controlplane
// component that needs durable state: the dispatcher, the runtime event
// listener, the health supervisor, the recovery service, the retention
// cleanup loop and the lease coordinator.
type Store interface {
	// Repository operations
	CreateRepository(ctx context.Context, r *model.Repository) error
	GetRepository(ctx context.Context, id string) (*model.Repository, error)
	ListRepositories(ctx context.Context) ([]*model.Repository, error)
	UpdateRepositoryFetchState(ctx context.Context, id string, lastFetchedAt time.Time) error

	// Task operations
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, repositoryID string) ([]*model.Task, error)
	ListEnabledTasksWithCron(ctx context.Context) ([]*model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	UpdateTaskGitSync(ctx context.Context, taskID, sha string) error

	// Run operations
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	UpdateRun(ctx context.Context, r *model.Run) error
	ListQueuedRunsForTask(ctx context.Context, taskID string) ([]*model.Run, error)
	ListRunsByState(ctx context.Context, state model.RunState) ([]*model.Run, error)
	ListRunsByRuntime(ctx context.Context, runtimeID string) ([]*model.Run, error)
	CountActiveRunsForTask(ctx context.Context, taskID string) (int, error)
	ListTaskIDsWithQueuedRuns(ctx context.Context) ([]string, error)
	MarkRunCompleted(ctx context.Context, runID string, state model.RunState, summary, outputJSON, prURL string, failureClass model.FailureClass, endedAt time.Time) (bool, error)
	MarkRunObsolete(ctx context.Context, runID string) error

	// TaskRuntime operations
	UpsertTaskRuntime(ctx context.Context, rt *model.TaskRuntime) error
	GetTaskRuntime(ctx context.Context, id string) (*model.TaskRuntime, error)
	GetTaskRuntimeByTaskID(ctx context.Context, taskID string) (*model.TaskRuntime, error)
	ListTaskRuntimes(ctx context.Context) ([]*model.TaskRuntime, error)
	UpdateTaskRuntimeState(ctx context.Context, id string, state model.TaskRuntimeState) error
	RecordTaskRuntimeHeartbeat(ctx context.Context, runtimeID string, activeSlots int, now time.Time) error

	// Structured event / projection operations
	AppendRunStructuredEvent(ctx context.Context, e *model.RunStructuredEvent) (bool, error)
	ListRunStructuredEvents(ctx context.Context, runID string, sinceSequence int64) ([]*model.RunStructuredEvent, error)
	UpsertRunDiffSnapshot(ctx context.Context, d *model.RunDiffSnapshot) (bool, error)
	GetRunDiffSnapshot(ctx context.Context, runID string) (*model.RunDiffSnapshot, error)
	UpsertRunToolProjection(ctx context.Context, p *model.RunToolProjection) error
	ListRunToolProjections(ctx context.Context, runID string) ([]*model.RunToolProjection, error)
	AppendRunLogEvent(ctx context.Context, e *model.RunLogEvent) (bool, error)
	ListRunLogEvents(ctx context.Context, runID string, sinceSequence int64) ([]*model.RunLogEvent, error)

	// Artifact operations
	SaveArtifact(ctx context.Context, a *model.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]*model.Artifact, error)
	SumArtifactBytes(ctx context.Context, runID string) (int64, error)

	// Checkpoint operations
	GetCheckpoint(ctx context.Context, runtimeID, runID string) (*model.TaskRuntimeEventCheckpoint, error)
	SaveCheckpoint(ctx context.Context, c *model.TaskRuntimeEventCheckpoint) error

	// Lease operations
	AcquireLease(ctx context.Context, name, ownerID string, ttlSeconds int) (*model.Lease, bool, error)
	RenewLease(ctx context.Context, name, ownerID string, ttlSeconds int) (bool, error)
	ReleaseLease(ctx context.Context, name, ownerID string) error

	// Workflow execution operations
	SaveWorkflowExecution(ctx context.Context, w *model.WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, runID string) (*model.WorkflowExecution, error)

	// Retention
	DeleteTerminalRunsOlderThan(ctx context.Context, days int, limit int) (int64, error)
	DeleteOrphanedEventsOlderThan(ctx context.Context, days int, limit int) (int64, error)
	ListTasksEligibleForCleanup(ctx context.Context, protectedDays, limit int) ([]*model.Task, error)
	DeleteTask(ctx context.Context, id string) error
	DatabaseSizeBytes(ctx context.Context) (int64, error)
	Vacuum(ctx context.Context) error

	Close() error
}
