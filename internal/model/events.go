package model

import "time"

// RunStructuredEvent is an append-only, strictly sequence-ordered log entry
// for a run.
type RunStructuredEvent struct {
	RunID         string    `db:"run_id" json:"runId"`
	Sequence      int64     `db:"sequence" json:"sequence"`
	EventType     string    `db:"event_type" json:"eventType"`
	Category      string    `db:"category" json:"category"`
	Summary       string    `db:"summary" json:"summary"`
	Error         string    `db:"error" json:"error,omitempty"`
	PayloadJSON   string    `db:"payload_json" json:"payloadJson,omitempty"`
	SchemaVersion string    `db:"schema_version" json:"schemaVersion"`
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
}

// RunLogEvent is a durable, non-structured log line for a run (plain
// info/warn/error output rather than a recognised structured event).
type RunLogEvent struct {
	RunID     string    `db:"run_id" json:"runId"`
	Sequence  int64     `db:"sequence" json:"sequence"`
	Level     string    `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// RunDiffSnapshot is the latest-wins current diff state for a run, unique on
// (runId, sequence); only a strictly newer sequence overwrites the view.
type RunDiffSnapshot struct {
	RunID         string `db:"run_id" json:"runId"`
	Sequence      int64  `db:"sequence" json:"sequence"`
	DiffStat      string `db:"diff_stat" json:"diffStat"`
	DiffPatch     string `db:"diff_patch" json:"diffPatch"`
	SchemaVersion string `db:"schema_version" json:"schemaVersion"`
}

// RunToolProjection is a derived timeline entry for a single tool call.
type RunToolProjection struct {
	RunID         string `db:"run_id" json:"runId"`
	ToolCallID    string `db:"tool_call_id" json:"toolCallId"`
	ToolName      string `db:"tool_name" json:"toolName"`
	SequenceStart int64  `db:"sequence_start" json:"sequenceStart"`
	SequenceEnd   int64  `db:"sequence_end" json:"sequenceEnd"`
	Status        string `db:"status" json:"status"`
	InputJSON     string `db:"input_json" json:"inputJson,omitempty"`
	OutputJSON    string `db:"output_json" json:"outputJson,omitempty"`
}

// Merge folds a newly observed sequence into the projection, expanding the
// [SequenceStart, SequenceEnd] window and updating status/output fields.
func (p *RunToolProjection) Merge(seq int64, status, outputJSON string) {
	if p.SequenceStart == 0 || seq < p.SequenceStart {
		p.SequenceStart = seq
	}
	if seq > p.SequenceEnd {
		p.SequenceEnd = seq
	}
	if status != "" {
		p.Status = status
	}
	if outputJSON != "" {
		p.OutputJSON = outputJSON
	}
}

// Artifact is a blob keyed by (runId, fileName).
type Artifact struct {
	RunID    string `db:"run_id" json:"runId"`
	FileName string `db:"file_name" json:"fileName"`
	SHA256   string `db:"sha256" json:"sha256"`
	Size     int64  `db:"size" json:"size"`
}
