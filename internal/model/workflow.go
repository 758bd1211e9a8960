package model

import "time"

// WorkflowExecutionVersion distinguishes the two acknowledgement shapes a
// runtime may emit for multi-step workflow executions.
type WorkflowExecutionVersion string

const (
	WorkflowExecutionV1 WorkflowExecutionVersion = "v1"
	WorkflowExecutionV2 WorkflowExecutionVersion = "v2"
)

// WorkflowExecution is a minimal acknowledgement record correlating a run
// with an externally tracked multi-step workflow invocation. The
// controlplane does not interpret workflow internals; it only records the
// correlation id and final status for observability.
type WorkflowExecution struct {
	RunID       string                   `db:"run_id" json:"runId"`
	WorkflowID  string                   `db:"workflow_id" json:"workflowId"`
	Version     WorkflowExecutionVersion `db:"version" json:"version"`
	Status      string                   `db:"status" json:"status"`
	UpdatedAt   time.Time                `db:"updated_at" json:"updatedAt"`
}
