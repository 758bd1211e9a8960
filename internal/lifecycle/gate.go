package lifecycle

import "context"

// Gate is a buffered-channel semaphore bounding how many image pulls and
// container creations run at once, the same shape as the scheduler's
// MaxConcurrent bound on simultaneous executions.
type Gate struct {
	slots chan struct{}
}

// NewGate creates a Gate allowing up to n concurrent holders.
func NewGate(n int) *Gate {
	if n <= 0 {
		n = 1
	}
	return &Gate{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot acquired by Acquire.
func (g *Gate) Release() {
	<-g.slots
}
