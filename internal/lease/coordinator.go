// Package lease implements the Lease Coordinator: a thin supervisor
// around the store's SQL-level lease primitives that keeps a held lease
// alive with periodic renewal and releases it cleanly on shutdown, so
// singleton maintenance work (retention cleanup) stays
// serialized to one owner across controlplane instances.
package lease

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/store"
)

// Coordinator acquires and renews a single named lease on behalf of ownerID.
type Coordinator struct {
	store      store.Store
	ownerID    string
	ttl        time.Duration
	renewEvery time.Duration
	log        *logger.Logger
}

// New creates a Coordinator. ttl should comfortably exceed renewEvery so a
// single missed renewal does not immediately surrender the lease.
func New(st store.Store, ownerID string, ttl, renewEvery time.Duration, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store:      st,
		ownerID:    ownerID,
		ttl:        ttl,
		renewEvery: renewEvery,
		log:        log.WithFields(zap.String("component", "lease-coordinator")),
	}
}

// Held represents a lease this coordinator currently owns. Release gives
// it up; the background renewal loop stops as soon as its context is
// cancelled, regardless of whether Release is called explicitly.
type Held struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Release stops renewal and releases the lease row if still owned.
func (h *Held) Release(ctx context.Context, c *Coordinator) error {
	h.cancel()
	<-h.done
	return c.store.ReleaseLease(ctx, h.name, c.ownerID)
}

// TryAcquire attempts to claim name once; it does not block or retry.
func (c *Coordinator) TryAcquire(ctx context.Context, name string) (*model.Lease, bool, error) {
	return c.store.AcquireLease(ctx, name, c.ownerID, c.ttlSeconds())
}

// ttlSeconds rounds the ttl up to whole seconds so a sub-second ttl does
// not become a lease that expires the moment it is written.
func (c *Coordinator) ttlSeconds() int {
	return int(math.Ceil(c.ttl.Seconds()))
}

// AcquireAndHold blocks (polling at renewEvery) until it wins the named
// lease, then starts a background renewal loop and returns a handle the
// caller releases when the guarded work is done.
func (c *Coordinator) AcquireAndHold(ctx context.Context, name string) (*Held, error) {
	ticker := time.NewTicker(c.renewEvery)
	defer ticker.Stop()

	for {
		_, ok, err := c.TryAcquire(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	held := &Held{name: name, cancel: cancel, done: make(chan struct{})}
	go c.renewLoop(renewCtx, held)
	return held, nil
}

func (c *Coordinator) renewLoop(ctx context.Context, held *Held) {
	defer close(held.done)
	ticker := time.NewTicker(c.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := c.store.RenewLease(context.Background(), held.name, c.ownerID, c.ttlSeconds())
			if err != nil {
				c.log.Warn("lease renewal failed", zap.String("lease", held.name), zap.Error(err))
				continue
			}
			if !renewed {
				c.log.Error("lost lease ownership during renewal", zap.String("lease", held.name))
				return
			}
		}
	}
}
