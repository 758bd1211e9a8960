package model

import "strings"

// ResultEnvelope is the terminal payload a TaskRuntime reports when a run
// finishes, matching the wire shape defined for runtime completion events.
type ResultEnvelope struct {
	Status      string            `json:"status"`
	Summary     string            `json:"summary"`
	Error       string            `json:"error,omitempty"`
	PRUrl       string            `json:"prUrl,omitempty"`
	OutputJSON  string            `json:"outputJson,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SchemaValid bool              `json:"-"`
}

// ClassifyFailure derives a FailureClass from a result envelope using the
// fixed precedence order: an explicit metadata.failureClass always wins;
// otherwise workspace-preparation failures are detected from the summary,
// envelope validation failures and timeouts/cancellation from the error
// text, and anything else is left unclassified.
func ClassifyFailure(env ResultEnvelope) FailureClass {
	if env.Metadata != nil {
		if fc, ok := env.Metadata["failureClass"]; ok && fc != "" {
			return FailureClass(fc)
		}
	}
	if strings.Contains(env.Summary, "Workspace preparation failed") {
		return FailureClassWorkspacePrep
	}
	lowerErr := strings.ToLower(env.Error)
	if strings.Contains(env.Error, "Envelope validation") {
		return FailureClassEnvelopeValidation
	}
	if strings.Contains(lowerErr, "timeout") || strings.Contains(lowerErr, "cancelled") || strings.Contains(lowerErr, "canceled") {
		return FailureClassTimeout
	}
	return FailureClassNone
}
