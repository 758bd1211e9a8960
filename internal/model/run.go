package model

import "time"

// RunState is the lifecycle state of a Run.
type RunState string

const (
	RunStateQueued          RunState = "QUEUED"
	RunStatePendingApproval RunState = "PENDING_APPROVAL"
	RunStateRunning         RunState = "RUNNING"
	RunStateSucceeded       RunState = "SUCCEEDED"
	RunStateFailed          RunState = "FAILED"
	RunStateObsolete        RunState = "OBSOLETE"
)

// IsTerminal reports whether the state is one of the terminal dispositions.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateObsolete:
		return true
	default:
		return false
	}
}

// FailureClass enumerates the reasons a run can fail, classified by the
// completion pipeline in a fixed precedence order (see ClassifyFailure).
type FailureClass string

const (
	FailureClassNone                FailureClass = ""
	FailureClassWorkspacePrep       FailureClass = "WorkspacePreparation"
	FailureClassEnvelopeValidation  FailureClass = "EnvelopeValidation"
	FailureClassTimeout             FailureClass = "Timeout"
	FailureClassOrphanRecovery      FailureClass = "OrphanRecovery"
	FailureClassStaleRun            FailureClass = "StaleRun"
	FailureClassZombieRun           FailureClass = "ZombieRun"
	FailureClassOverdueRun          FailureClass = "OverdueRun"
)

// WorkerImage describes the container image a run executed with.
type WorkerImage struct {
	Ref    string `db:"worker_image_ref" json:"ref"`
	Digest string `db:"worker_image_digest" json:"digest"`
	Source string `db:"worker_image_source" json:"source"`
}

// Run is a single execution attempt of a Task against a Repository.
type Run struct {
	ID         string   `db:"id" json:"id"`
	Repository string   `db:"repository_id" json:"repositoryId"`
	TaskID     string   `db:"task_id" json:"taskId"`
	RuntimeID  string   `db:"runtime_id" json:"runtimeId"`
	State      RunState `db:"state" json:"state"`
	Attempt    int      `db:"attempt" json:"attempt"`

	Summary            string       `db:"summary" json:"summary"`
	OutputJSON         string       `db:"output_json" json:"outputJson"`
	ResultEnvelopeRef  string       `db:"result_envelope_ref" json:"resultEnvelopeRef"`
	FailureClass       FailureClass `db:"failure_class" json:"failureClass"`
	PRUrl              string       `db:"pr_url" json:"prUrl"`
	WorkerImage        WorkerImage  `db:"-" json:"workerImage"`
	ExecutionMode      string       `db:"execution_mode" json:"executionMode"`
	StructuredProtocol string       `db:"structured_protocol" json:"structuredProtocol"`
	SessionProfileID   string       `db:"session_profile_id" json:"sessionProfileId"`
	InstructionStackHash string     `db:"instruction_stack_hash" json:"instructionStackHash"`
	MCPConfigSnapshotJSON string    `db:"mcp_config_snapshot_json" json:"mcpConfigSnapshotJson"`
	AutomationRunID    string       `db:"automation_run_id" json:"automationRunId"`

	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	StartedAt *time.Time `db:"started_at" json:"startedAt,omitempty"`
	EndedAt   *time.Time `db:"ended_at" json:"endedAt,omitempty"`

	// Obsolete is an overlay disposition applied post-terminal when the
	// runtime signals the result was superseded. It never redacts the
	// terminal facts recorded above (see spec Open Question on retention).
	Obsolete bool `db:"obsolete" json:"obsolete"`
}

// CanStart reports whether the run is eligible to be dispatched to a
// runtime (it is still Queued).
func (r *Run) CanStart() bool {
	return r.State == RunStateQueued
}

// MarkRunning transitions the run to Running, recording the runtime and
// worker image it was placed on. The caller must ensure the run was not
// already terminal.
func (r *Run) MarkRunning(runtimeID string, image WorkerImage, startedAt time.Time) {
	r.RuntimeID = runtimeID
	r.WorkerImage = image
	r.State = RunStateRunning
	r.StartedAt = &startedAt
}

// MarkTerminal transitions the run to a terminal state exactly once. It
// returns false (no-op) if the run is already terminal, implementing the
// idempotent-completion contract in spec §7.
func (r *Run) MarkTerminal(state RunState, summary, outputJSON, prURL string, failureClass FailureClass, endedAt time.Time) bool {
	if r.State.IsTerminal() {
		return false
	}
	r.State = state
	r.Summary = summary
	r.OutputJSON = outputJSON
	r.PRUrl = prURL
	r.FailureClass = failureClass
	r.EndedAt = &endedAt
	return true
}

// RetryPolicy controls how a failed run is retried.
type RetryPolicy struct {
	MaxAttempts int           `db:"max_attempts" json:"maxAttempts"`
	BaseDelay   time.Duration `db:"-" json:"-"`
	Multiplier  float64       `db:"multiplier" json:"multiplier"`
}

// NextAttemptAllowed reports whether another retry attempt may be created.
func (p RetryPolicy) NextAttemptAllowed(currentAttempt int) bool {
	return currentAttempt < p.MaxAttempts
}

// RetryDelay computes the backoff delay for the given (1-based) attempt
// number that just failed, capped at 300s per spec §4.6.
func (p RetryPolicy) RetryDelay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	cap := float64(300 * time.Second)
	if delay > cap {
		delay = cap
	}
	return time.Duration(delay)
}
