// Package projection derives the run diff snapshot and tool timeline
// views from the append-only structured event log. Every function here
// is pure: no I/O, no store access, so it is exercised directly by table
// tests rather than through a database fixture.
package projection

import (
	"encoding/json"
	"fmt"

	"github.com/taskctl/controlplane/internal/model"
)

const categoryDiffUpdated = "diff.updated"

type diffPayload struct {
	DiffStat  string `json:"diffStat"`
	DiffPatch string `json:"diffPatch"`
}

// DiffSnapshot derives a RunDiffSnapshot from a structured event, returning
// ok=false for any event that is not a diff update. The caller is
// responsible for the latest-wins-by-sequence merge against the stored
// view (internal/store.UpsertRunDiffSnapshot already implements that).
func DiffSnapshot(e *model.RunStructuredEvent) (snapshot *model.RunDiffSnapshot, ok bool, err error) {
	if e.Category != categoryDiffUpdated {
		return nil, false, nil
	}
	var p diffPayload
	if e.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(e.PayloadJSON), &p); err != nil {
			return nil, false, fmt.Errorf("projection: decode diff payload at sequence %d: %w", e.Sequence, err)
		}
	}
	return &model.RunDiffSnapshot{
		RunID:         e.RunID,
		Sequence:      e.Sequence,
		DiffStat:      p.DiffStat,
		DiffPatch:     p.DiffPatch,
		SchemaVersion: e.SchemaVersion,
	}, true, nil
}
