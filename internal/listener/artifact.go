package listener

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/apperr"
	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/store"
)

// assemblyState is the in-memory reassembly buffer for one (runId,
// artifactId) pair. It is guarded by its own mutex because manifest,
// chunk and commit events for the same artifact can race across backlog
// replay and live delivery.
type assemblyState struct {
	mu         sync.Mutex
	runID      string
	artifactID string
	fileName   string
	buf        []byte
	complete   bool
	rejected   bool
}

// artifactAssembler reassembles chunked artifact streams into blobs,
// enforcing the per-artifact and per-run byte caps before any bytes reach
// the store.
type artifactAssembler struct {
	store store.Store
	cfg   config.ListenerConfig
	log   *logger.Logger

	mu        sync.Mutex
	states    map[string]*assemblyState
	runTotals map[string]int64
}

func newArtifactAssembler(s store.Store, cfg config.ListenerConfig, log *logger.Logger) *artifactAssembler {
	return &artifactAssembler{
		store:     s,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "listener_artifacts")),
		states:    make(map[string]*assemblyState),
		runTotals: make(map[string]int64),
	}
}

func assemblyKey(runID, artifactID string) string { return runID + ":" + artifactID }

func (a *artifactAssembler) maxArtifactBytes() int64 {
	if a.cfg.MaxArtifactBytes > 0 {
		return a.cfg.MaxArtifactBytes
	}
	return model.DefaultMaxArtifactBytes
}

func (a *artifactAssembler) maxRunBytes() int64 {
	if a.cfg.MaxRunBytes > 0 {
		return a.cfg.MaxRunBytes
	}
	return model.DefaultMaxRunBytes
}

// sanitizeFileName strips any path components from name, falling back to
// artifact-{id}.bin when the manifest omitted one.
func sanitizeFileName(name, artifactID string) string {
	base := filepath.Base(name)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return fmt.Sprintf("artifact-%s.bin", artifactID)
	}
	return base
}

// Manifest opens an assembly state for (runId, artifactId), replacing any
// stale state left over from a prior attempt at the same key.
func (a *artifactAssembler) Manifest(runID, artifactID, fileName string) {
	st := &assemblyState{
		runID:      runID,
		artifactID: artifactID,
		fileName:   sanitizeFileName(fileName, artifactID),
	}
	a.mu.Lock()
	a.states[assemblyKey(runID, artifactID)] = st
	a.mu.Unlock()
}

// Chunk appends bytes to the assembly for (runId, artifactId), rejecting
// it once either the per-artifact or per-run cap is exceeded. A chunk for
// an artifact with no open manifest implicitly opens one, so replay
// order that starts mid-stream after backfill still reassembles.
func (a *artifactAssembler) Chunk(runID, artifactID string, data []byte, isLastChunk bool) error {
	a.mu.Lock()
	st, ok := a.states[assemblyKey(runID, artifactID)]
	if !ok {
		st = &assemblyState{runID: runID, artifactID: artifactID, fileName: sanitizeFileName("", artifactID)}
		a.states[assemblyKey(runID, artifactID)] = st
	}
	a.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.rejected {
		return nil
	}

	st.buf = append(st.buf, data...)

	a.mu.Lock()
	a.runTotals[runID] += int64(len(data))
	runTotal := a.runTotals[runID]
	a.mu.Unlock()

	if int64(len(st.buf)) > a.maxArtifactBytes() {
		st.rejected = true
		a.log.Warn("artifact exceeded per-artifact cap, rejecting",
			zap.String("run_id", runID), zap.String("artifact_id", artifactID), zap.Int("bytes", len(st.buf)))
		return apperr.ResourceExhausted(fmt.Sprintf("artifact %s exceeds per-artifact cap", artifactID))
	}
	if runTotal > a.maxRunBytes() {
		st.rejected = true
		a.log.Warn("run exceeded per-run artifact cap, rejecting",
			zap.String("run_id", runID), zap.String("artifact_id", artifactID), zap.Int64("run_total", runTotal))
		return apperr.ResourceExhausted(fmt.Sprintf("run %s exceeds per-run artifact cap", runID))
	}

	if isLastChunk {
		st.complete = true
	}
	return nil
}

// Commit persists the assembled buffer and discards the assembly state.
// It is a no-op if the artifact was rejected or never manifested.
func (a *artifactAssembler) Commit(ctx context.Context, runID, artifactID string) error {
	a.mu.Lock()
	st, ok := a.states[assemblyKey(runID, artifactID)]
	delete(a.states, assemblyKey(runID, artifactID))
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.persist(ctx, st)
}

func (a *artifactAssembler) persist(ctx context.Context, st *assemblyState) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.rejected {
		return nil
	}
	sum := sha256.Sum256(st.buf)
	return a.store.SaveArtifact(ctx, &model.Artifact{
		RunID:    st.runID,
		FileName: st.fileName,
		SHA256:   hex.EncodeToString(sum[:]),
		Size:     int64(len(st.buf)),
	})
}

// FinalizeRun finalises every outstanding assembly for runID on a
// terminal run event: artifacts that received their last chunk but never
// saw an explicit commit are persisted, everything else is discarded.
func (a *artifactAssembler) FinalizeRun(ctx context.Context, runID string) {
	a.mu.Lock()
	var pending []*assemblyState
	for k, st := range a.states {
		if st.runID != runID {
			continue
		}
		pending = append(pending, st)
		delete(a.states, k)
	}
	delete(a.runTotals, runID)
	a.mu.Unlock()

	for _, st := range pending {
		st.mu.Lock()
		complete := st.complete && !st.rejected
		st.mu.Unlock()
		if !complete {
			continue
		}
		if err := a.persist(ctx, st); err != nil {
			a.log.Error("failed to finalise artifact on run completion",
				zap.String("run_id", runID), zap.String("artifact_id", st.artifactID), zap.Error(err))
		}
	}
}
