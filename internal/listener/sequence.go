package listener

import (
	"sync"

	"github.com/taskctl/controlplane/internal/concurrent"
	"github.com/taskctl/controlplane/internal/runtimerpc"
)

// sequencer resolves the durable sequence number for an inbound event,
// keeping one watermark per runId so derived sequences stay monotonically
// non-decreasing for a run even across reconnects to a different runtime
// connection.
type sequencer struct {
	mu         sync.Mutex
	watermarks map[string]*concurrent.Watermark
}

func newSequencer() *sequencer {
	return &sequencer{watermarks: make(map[string]*concurrent.Watermark)}
}

func (s *sequencer) watermarkFor(runID string) *concurrent.Watermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watermarks[runID]
	if !ok {
		w = concurrent.NewWatermark(0)
		s.watermarks[runID] = w
	}
	return w
}

// resolve returns the sequence to record for evt. If evt carries a
// positive sequence it is used as-is and the watermark advances to
// max(existing, sequence). Otherwise a sequence is synthesised from the
// event's timestamp, advancing to max(existing+1, seed) so two events
// sharing the same synthetic seed never collide.
func (s *sequencer) resolve(runID string, evt *runtimerpc.JobEventMessage) int64 {
	w := s.watermarkFor(runID)

	if evt.Sequence > 0 {
		w.Advance(evt.Sequence)
		return evt.Sequence
	}

	seed := evt.Timestamp
	for {
		cur := w.Load()
		next := cur + 1
		if seed > next {
			next = seed
		}
		if w.Advance(next) {
			return next
		}
	}
}

// forget drops the watermark for runID, called once a run reaches a
// terminal state so the table does not grow unbounded.
func (s *sequencer) forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watermarks, runID)
}
