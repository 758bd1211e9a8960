// Package runtimerpc defines the wire contract between the control plane
// and an external task runtime: a hand-authored client/server pair
// transmitted over gRPC with a JSON codec, standing in for generated
// protobuf stubs the same way the agentctl client stands in for a
// generated HTTP client. Messages are preserved bit-for-bit against the
// envelope fields the runtime harness already emits.
package runtimerpc

// StartRuntimeCommandRequest asks a runtime to begin executing a run.
type StartRuntimeCommandRequest struct {
	RunID          string            `json:"runId"`
	TaskID         string            `json:"taskId"`
	RepositoryID   string            `json:"repositoryId"`
	Harness        string            `json:"harness"`
	Prompt         string            `json:"prompt"`
	Command        string            `json:"command"`
	BranchName     string            `json:"branchName"`
	WorkerImageRef string            `json:"workerImageRef"`
	Env            map[string]string `json:"env,omitempty"`
}

// StartRuntimeCommandResult is the runtime's acknowledgement of a start request.
type StartRuntimeCommandResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	CommandID string `json:"commandId,omitempty"`
}

// CancelRuntimeCommandRequest asks a runtime to stop an in-flight command.
type CancelRuntimeCommandRequest struct {
	RunID     string `json:"runId"`
	CommandID string `json:"commandId"`
}

// CancelRuntimeCommandResult is the runtime's acknowledgement of a cancel request.
type CancelRuntimeCommandResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// GetRuntimeCommandStatusRequest polls the current status of a command.
type GetRuntimeCommandStatusRequest struct {
	RunID     string `json:"runId"`
	CommandID string `json:"commandId"`
}

// RuntimeCommandStatusResult reports a command's current status.
type RuntimeCommandStatusResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Status  string `json:"status,omitempty"`
}

// HealthResult is the response to a CheckHealth call.
type HealthResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ReadEventBacklogRequest asks a runtime to replay events delivered after
// afterDeliveryId, used during reconnect backfill.
type ReadEventBacklogRequest struct {
	AfterDeliveryID int64 `json:"afterDeliveryId"`
	MaxEvents       int   `json:"maxEvents"`
}

// ReadEventBacklogResult returns the backlog page requested by ReadEventBacklogRequest.
type ReadEventBacklogResult struct {
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	HasMore      bool              `json:"hasMore"`
	Events       []JobEventMessage `json:"events,omitempty"`
}

// EnsureRepositoryWorkspaceRequest asks a runtime to prepare (clone or
// reuse) a local workspace for a repository.
type EnsureRepositoryWorkspaceRequest struct {
	RepositoryID      string `json:"repositoryId"`
	CloneURL          string `json:"cloneUrl"`
	RepositoryKeyHint string `json:"repositoryKeyHint,omitempty"`
}

// EnsureRepositoryWorkspaceResult reports the workspace path prepared for a repository.
type EnsureRepositoryWorkspaceResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	LocalPath    string `json:"localPath,omitempty"`
}

// RefreshRepositoryWorkspaceRequest asks a runtime to bring an existing
// workspace up to date. Runtimes that do not support an incremental
// refresh return an Unimplemented status; callers then fall back to
// EnsureRepositoryWorkspace with RepositoryKeyHint set to LocalPath.
type RefreshRepositoryWorkspaceRequest struct {
	RepositoryID string `json:"repositoryId"`
	LocalPath    string `json:"localPath"`
}

// RefreshRepositoryWorkspaceResult reports the refreshed workspace path.
type RefreshRepositoryWorkspaceResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	LocalPath    string `json:"localPath,omitempty"`
}

// SubscribeRequest opens the event hub stream, optionally scoped to a set
// of runIds; an empty set subscribes to every run hosted by the runtime.
type SubscribeRequest struct {
	RunIDs []string `json:"runIds,omitempty"`
}

// JobEventMessage is a single structured or lifecycle event delivered over
// the event hub stream. Fields are preserved bit-for-bit against the
// runtime harness's own event shape.
type JobEventMessage struct {
	RunID         string            `json:"runId"`
	DeliveryID    int64             `json:"deliveryId"`
	EventType     string            `json:"eventType"`
	Category      string            `json:"category,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	Error         string            `json:"error,omitempty"`
	PayloadJSON   string            `json:"payloadJson,omitempty"`
	SchemaVersion string            `json:"schemaVersion,omitempty"`
	Sequence      int64             `json:"sequence"`
	Timestamp     int64             `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ArtifactID    string            `json:"artifactId,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	IsLastChunk   bool              `json:"isLastChunk,omitempty"`
	BinaryPayload []byte            `json:"binaryPayload,omitempty"`
}

// TaskRuntimeStatusMessage reports a runtime's current slot occupancy and status.
type TaskRuntimeStatusMessage struct {
	TaskRuntimeID string `json:"taskRuntimeId"`
	Status        string `json:"status"`
	ActiveSlots   int    `json:"activeSlots"`
	MaxSlots      int    `json:"maxSlots"`
}

// RuntimeEventFrame is a single frame on the Subscribe stream: exactly one
// of JobEvent or StatusChange is set.
type RuntimeEventFrame struct {
	JobEvent     *JobEventMessage          `json:"jobEvent,omitempty"`
	StatusChange *TaskRuntimeStatusMessage `json:"statusChange,omitempty"`
}
