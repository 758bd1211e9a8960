package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/publisher/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestPublisher(t *testing.T) (*eventPublisher, bus.EventBus) {
	t.Helper()
	log := newTestLogger(t)
	b := bus.NewMemoryEventBus(log)
	hub := NewRunHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	p := New(b, hub, "test", log).(*eventPublisher)
	return p, b
}

func TestPublishRunStateChangedDeliversToSubscriber(t *testing.T) {
	p, _ := newTestPublisher(t)
	sub := p.SubscribeRun("client-1", "run-1")
	defer p.UnsubscribeRun(sub)

	if err := p.PublishRunStateChanged(context.Background(), RunStateChangedData{RunID: "run-1", State: "SUCCEEDED"}); err != nil {
		t.Fatalf("PublishRunStateChanged: %v", err)
	}

	select {
	case msg := <-sub.Send():
		if len(msg) == 0 {
			t.Error("expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestPublishRunDiffUpdatedThrottlesBursts(t *testing.T) {
	p, _ := newTestPublisher(t)
	sub := p.SubscribeRun("client-1", "run-1")
	defer p.UnsubscribeRun(sub)

	for i := 0; i < 5; i++ {
		if err := p.PublishRunDiffUpdated(context.Background(), RunDiffUpdatedData{RunID: "run-1", Sequence: int64(i)}); err != nil {
			t.Fatalf("PublishRunDiffUpdated: %v", err)
		}
	}

	received := 0
	deadline := time.After(400 * time.Millisecond)
loop:
	for {
		select {
		case <-sub.Send():
			received++
		case <-deadline:
			break loop
		}
	}

	if received == 0 {
		t.Fatal("expected at least one coalesced delta to be delivered")
	}
	if received >= 5 {
		t.Errorf("got %d deltas, expected the burst to be coalesced below the raw publish count", received)
	}
}

func TestPublishRunLogAppendedIsNotThrottled(t *testing.T) {
	p, _ := newTestPublisher(t)
	sub := p.SubscribeRun("client-1", "run-1")
	defer p.UnsubscribeRun(sub)

	for i := 0; i < 3; i++ {
		if err := p.PublishRunLogAppended(context.Background(), RunLogAppendedData{RunID: "run-1", Sequence: int64(i), Message: "hi"}); err != nil {
			t.Fatalf("PublishRunLogAppended: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-sub.Send():
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for log delivery %d", i)
		}
	}
}

func TestSubscribeRunOnlyReceivesItsOwnRun(t *testing.T) {
	p, _ := newTestPublisher(t)
	subA := p.SubscribeRun("client-a", "run-a")
	subB := p.SubscribeRun("client-b", "run-b")
	defer p.UnsubscribeRun(subA)
	defer p.UnsubscribeRun(subB)

	if err := p.PublishRunStateChanged(context.Background(), RunStateChangedData{RunID: "run-a", State: "RUNNING"}); err != nil {
		t.Fatalf("PublishRunStateChanged: %v", err)
	}

	select {
	case <-subA.Send():
	case <-time.After(time.Second):
		t.Fatal("expected run-a subscriber to receive the broadcast")
	}

	select {
	case <-subB.Send():
		t.Fatal("run-b subscriber should not receive run-a's broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}
