package listener

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/concurrent"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/store"
)

// connectionCheckpointRunID is the sentinel RunID under which the
// runtime-level deliveryId checkpoint is stored. TaskRuntimeEventCheckpoint
// is keyed by (runtimeId, runId) to double as the per-run structured
// sequence bookmark store.Store was built with; the connection supervisor
// only needs one checkpoint per runtime, so it is recorded here.
const connectionCheckpointRunID = ""

// checkpointTracker maintains the deliveryId high-water mark per runtime,
// both in memory for fast duplicate rejection and persisted so a process
// restart resumes backfill from the right point instead of replaying or
// skipping events.
type checkpointTracker struct {
	store store.Store
	log   *logger.Logger

	mu         sync.Mutex
	watermarks map[string]*concurrent.Watermark
}

func newCheckpointTracker(s store.Store, log *logger.Logger) *checkpointTracker {
	return &checkpointTracker{
		store:      s,
		log:        log.WithFields(zap.String("component", "listener_checkpoint")),
		watermarks: make(map[string]*concurrent.Watermark),
	}
}

// load returns the persisted checkpoint for runtimeID, hydrating the
// in-memory watermark from it on first use.
func (c *checkpointTracker) load(ctx context.Context, runtimeID string) (int64, error) {
	c.mu.Lock()
	w, ok := c.watermarks[runtimeID]
	c.mu.Unlock()
	if ok {
		return w.Load(), nil
	}

	persisted, err := c.store.GetCheckpoint(ctx, runtimeID, connectionCheckpointRunID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	w, ok = c.watermarks[runtimeID]
	if !ok {
		w = concurrent.NewWatermark(persisted.LastSequence)
		c.watermarks[runtimeID] = w
	}
	c.mu.Unlock()
	return w.Load(), nil
}

// shouldProcess reports whether deliveryID is strictly greater than the
// current checkpoint for runtimeID, without advancing it.
func (c *checkpointTracker) shouldProcess(ctx context.Context, runtimeID string, deliveryID int64) (bool, error) {
	current, err := c.load(ctx, runtimeID)
	if err != nil {
		return false, err
	}
	return deliveryID > current, nil
}

// advance moves the checkpoint for runtimeID forward to deliveryID and
// persists it, implementing the effectively-once processing guarantee: a
// redelivered event with deliveryId <= checkpoint is dropped by the
// caller before advance is ever invoked.
func (c *checkpointTracker) advance(ctx context.Context, runtimeID string, deliveryID int64) error {
	c.mu.Lock()
	w, ok := c.watermarks[runtimeID]
	if !ok {
		w = concurrent.NewWatermark(0)
		c.watermarks[runtimeID] = w
	}
	c.mu.Unlock()

	if !w.Advance(deliveryID) {
		return nil
	}

	if err := c.store.SaveCheckpoint(ctx, &model.TaskRuntimeEventCheckpoint{
		RuntimeID:    runtimeID,
		RunID:        connectionCheckpointRunID,
		LastSequence: deliveryID,
	}); err != nil {
		c.log.Error("failed to persist checkpoint", zap.String("runtime_id", runtimeID), zap.Error(err))
		return err
	}
	return nil
}

// forget drops the in-memory watermark for runtimeID, called once a
// connection is torn down for a runtime that left the directory.
func (c *checkpointTracker) forget(runtimeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watermarks, runtimeID)
}
