package projection

import (
	"testing"

	"github.com/taskctl/controlplane/internal/model"
)

func TestDiffSnapshotIgnoresNonDiffEvents(t *testing.T) {
	e := &model.RunStructuredEvent{RunID: "run-1", Sequence: 1, Category: "tool.begin"}
	snap, ok, err := DiffSnapshot(e)
	if err != nil {
		t.Fatalf("DiffSnapshot: %v", err)
	}
	if ok || snap != nil {
		t.Errorf("expected no snapshot for a non-diff category, got %+v", snap)
	}
}

func TestDiffSnapshotParsesPayload(t *testing.T) {
	e := &model.RunStructuredEvent{
		RunID:         "run-1",
		Sequence:      2,
		Category:      "diff.updated",
		SchemaVersion: "v1",
		PayloadJSON:   `{"diffStat":"1f","diffPatch":"--- a\n+++ b\n"}`,
	}
	snap, ok, err := DiffSnapshot(e)
	if err != nil {
		t.Fatalf("DiffSnapshot: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for a diff.updated event")
	}
	if snap.RunID != "run-1" || snap.Sequence != 2 {
		t.Errorf("snap = %+v, want runId=run-1 sequence=2", snap)
	}
	if snap.DiffStat != "1f" || snap.DiffPatch != "--- a\n+++ b\n" {
		t.Errorf("snap = %+v, did not decode diffStat/diffPatch", snap)
	}
	if snap.SchemaVersion != "v1" {
		t.Errorf("snap.SchemaVersion = %q, want v1", snap.SchemaVersion)
	}
}

func TestDiffSnapshotRejectsMalformedPayload(t *testing.T) {
	e := &model.RunStructuredEvent{RunID: "run-1", Sequence: 1, Category: "diff.updated", PayloadJSON: "not json"}
	if _, _, err := DiffSnapshot(e); err == nil {
		t.Error("expected an error for malformed payload JSON")
	}
}
