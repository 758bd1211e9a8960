package listener

import (
	"context"
	"testing"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
)

func TestArtifactAssemblerReassemblesAndPersistsOnCommit(t *testing.T) {
	s := newTestStore(t)
	a := newArtifactAssembler(s, config.ListenerConfig{}, logger.Default())
	ctx := context.Background()

	a.Manifest("run-1", "art-1", "output.txt")
	if err := a.Chunk("run-1", "art-1", []byte("hello "), false); err != nil {
		t.Fatalf("Chunk (1): %v", err)
	}
	if err := a.Chunk("run-1", "art-1", []byte("world"), true); err != nil {
		t.Fatalf("Chunk (2): %v", err)
	}
	if err := a.Commit(ctx, "run-1", "art-1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	artifacts, err := s.ListArtifacts(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("len(artifacts) = %d, want 1", len(artifacts))
	}
	if artifacts[0].FileName != "output.txt" {
		t.Errorf("FileName = %q, want output.txt", artifacts[0].FileName)
	}
	if artifacts[0].Size != int64(len("hello world")) {
		t.Errorf("Size = %d, want %d", artifacts[0].Size, len("hello world"))
	}
}

func TestArtifactAssemblerChunkWithoutManifestImplicitlyOpens(t *testing.T) {
	s := newTestStore(t)
	a := newArtifactAssembler(s, config.ListenerConfig{}, logger.Default())
	ctx := context.Background()

	if err := a.Chunk("run-1", "art-1", []byte("resumed"), true); err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if err := a.Commit(ctx, "run-1", "art-1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	artifacts, err := s.ListArtifacts(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("len(artifacts) = %d, want 1 (backfill resuming mid-stream still assembles)", len(artifacts))
	}
}

func TestArtifactAssemblerRejectsOverPerArtifactCap(t *testing.T) {
	s := newTestStore(t)
	a := newArtifactAssembler(s, config.ListenerConfig{MaxArtifactBytes: 4}, logger.Default())
	ctx := context.Background()

	a.Manifest("run-1", "art-1", "big.bin")
	if err := a.Chunk("run-1", "art-1", []byte("toolong"), true); err == nil {
		t.Fatalf("Chunk over cap: want error, got nil")
	}
	if err := a.Commit(ctx, "run-1", "art-1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	artifacts, err := s.ListArtifacts(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(artifacts) != 0 {
		t.Errorf("len(artifacts) = %d, want 0 (rejected artifact never persisted)", len(artifacts))
	}
}

func TestArtifactAssemblerRejectsOverPerRunCap(t *testing.T) {
	s := newTestStore(t)
	a := newArtifactAssembler(s, config.ListenerConfig{MaxRunBytes: 5}, logger.Default())
	ctx := context.Background()

	a.Manifest("run-1", "art-1", "a.bin")
	if err := a.Chunk("run-1", "art-1", []byte("123456"), true); err == nil {
		t.Fatalf("Chunk over per-run cap: want error, got nil")
	}
	_ = a.Commit(ctx, "run-1", "art-1")

	artifacts, err := s.ListArtifacts(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(artifacts) != 0 {
		t.Errorf("len(artifacts) = %d, want 0", len(artifacts))
	}
}

func TestArtifactAssemblerFinalizeRunPersistsCompleteDiscardsRest(t *testing.T) {
	s := newTestStore(t)
	a := newArtifactAssembler(s, config.ListenerConfig{}, logger.Default())
	ctx := context.Background()

	a.Manifest("run-1", "complete-art", "done.txt")
	if err := a.Chunk("run-1", "complete-art", []byte("finished"), true); err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	a.Manifest("run-1", "incomplete-art", "partial.txt")
	if err := a.Chunk("run-1", "incomplete-art", []byte("half"), false); err != nil {
		t.Fatalf("Chunk (incomplete): %v", err)
	}

	a.FinalizeRun(ctx, "run-1")

	artifacts, err := s.ListArtifacts(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("len(artifacts) = %d, want 1", len(artifacts))
	}
	if artifacts[0].FileName != "done.txt" {
		t.Errorf("FileName = %q, want done.txt (only the completed artifact survives finalisation)", artifacts[0].FileName)
	}
}

func TestSanitizeFileNameStripsPathAndFallsBack(t *testing.T) {
	if got := sanitizeFileName("../../etc/passwd", "art-1"); got != "passwd" {
		t.Errorf("sanitizeFileName = %q, want passwd", got)
	}
	if got := sanitizeFileName("", "art-1"); got != "artifact-art-1.bin" {
		t.Errorf("sanitizeFileName(\"\") = %q, want artifact-art-1.bin", got)
	}
}
