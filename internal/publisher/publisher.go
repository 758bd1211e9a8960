package publisher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/publisher/bus"
)

const (
	diffWindow          = 250 * time.Millisecond
	toolWindow          = 125 * time.Millisecond
	watermarkIdleTTL    = 15 * time.Minute
	watermarkPruneAbove = 2000
)

// Publisher fans out run and runtime state changes to the durable event
// bus and to any WebSocket clients watching the affected run. Diff and
// tool deltas are coalesced: a burst of updates for the same run produces
// at most one publish per throttle window, always carrying the latest
// value observed in that window.
type Publisher interface {
	PublishRunStateChanged(ctx context.Context, data RunStateChangedData) error
	PublishRunDiffUpdated(ctx context.Context, data RunDiffUpdatedData) error
	PublishRunToolUpdated(ctx context.Context, data RunToolUpdatedData) error
	PublishRunLogAppended(ctx context.Context, data RunLogAppendedData) error
	PublishTaskRuntimeStatusChanged(ctx context.Context, data TaskRuntimeStatusData) error
	PublishIncident(ctx context.Context, data IncidentData) error
	PublishReadinessChanged(ctx context.Context, data ReadinessChangedData) error

	// SubscribeRun registers a WebSocket-style subscriber for runID.
	SubscribeRun(id, runID string) *RunSubscriber
	UnsubscribeRun(sub *RunSubscriber)
}

// eventPublisher is the concrete Publisher implementation.
type eventPublisher struct {
	bus    bus.EventBus
	hub    *RunHub
	source string
	logger *logger.Logger

	mu         sync.Mutex
	watermarks map[string]*watermarkEntry
}

type watermarkEntry struct {
	mu        sync.Mutex
	lastSent  time.Time
	timer     *time.Timer
	pendingFn func()
}

// New creates a Publisher backed by eventBus for durable fan-out and hub
// for per-run WebSocket delivery. source identifies this process in
// published bus events (see bus.Event.Source).
func New(eventBus bus.EventBus, hub *RunHub, source string, log *logger.Logger) Publisher {
	return &eventPublisher{
		bus:        eventBus,
		hub:        hub,
		source:     source,
		logger:     log.WithFields(zap.String("component", "publisher")),
		watermarks: make(map[string]*watermarkEntry),
	}
}

func (p *eventPublisher) publish(ctx context.Context, subject string, data map[string]interface{}) error {
	evt := bus.NewEvent(subject, p.source, data)
	if err := p.bus.Publish(ctx, subject, evt); err != nil {
		p.logger.Error("failed to publish event", zap.String("subject", subject), zap.Error(err))
		return err
	}
	return nil
}

func (p *eventPublisher) PublishRunStateChanged(ctx context.Context, data RunStateChangedData) error {
	if err := p.publish(ctx, RunStateChanged, toMap(data)); err != nil {
		return err
	}
	p.hub.Broadcast(data.RunID, envelope{Type: RunStateChanged, Data: data})
	return nil
}

func (p *eventPublisher) PublishRunDiffUpdated(ctx context.Context, data RunDiffUpdatedData) error {
	p.throttle(data.RunID+":diff", diffWindow, func() {
		if err := p.publish(ctx, RunDiffUpdated, toMap(data)); err != nil {
			return
		}
		p.hub.Broadcast(data.RunID, envelope{Type: RunDiffUpdated, Data: data})
	})
	return nil
}

func (p *eventPublisher) PublishRunToolUpdated(ctx context.Context, data RunToolUpdatedData) error {
	p.throttle(data.RunID+":tool:"+data.ToolCallID, toolWindow, func() {
		if err := p.publish(ctx, RunToolUpdated, toMap(data)); err != nil {
			return
		}
		p.hub.Broadcast(data.RunID, envelope{Type: RunToolUpdated, Data: data})
	})
	return nil
}

func (p *eventPublisher) PublishRunLogAppended(ctx context.Context, data RunLogAppendedData) error {
	if err := p.publish(ctx, RunLogAppended, toMap(data)); err != nil {
		return err
	}
	p.hub.Broadcast(data.RunID, envelope{Type: RunLogAppended, Data: data})
	return nil
}

func (p *eventPublisher) PublishTaskRuntimeStatusChanged(ctx context.Context, data TaskRuntimeStatusData) error {
	subject := BuildTaskRuntimeStatusSubject(data.TaskRuntimeID)
	return p.publish(ctx, subject, toMap(data))
}

func (p *eventPublisher) PublishIncident(ctx context.Context, data IncidentData) error {
	return p.publish(ctx, IncidentRaised, toMap(data))
}

func (p *eventPublisher) PublishReadinessChanged(ctx context.Context, data ReadinessChangedData) error {
	return p.publish(ctx, ReadinessChanged, toMap(data))
}

func (p *eventPublisher) SubscribeRun(id, runID string) *RunSubscriber {
	return p.hub.Subscribe(id, runID)
}

func (p *eventPublisher) UnsubscribeRun(sub *RunSubscriber) {
	p.hub.Unsubscribe(sub)
}

// throttle coalesces repeated calls for the same key into at most one
// invocation of fn per window, trailing-edge: if a call arrives inside an
// active window it replaces the pending fn rather than firing
// immediately, so only the latest value survives.
func (p *eventPublisher) throttle(key string, window time.Duration, fn func()) {
	p.mu.Lock()
	entry, ok := p.watermarks[key]
	if !ok {
		entry = &watermarkEntry{}
		p.watermarks[key] = entry
	}
	shouldPrune := len(p.watermarks) > watermarkPruneAbove
	p.mu.Unlock()

	if shouldPrune {
		p.pruneWatermarks()
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(entry.lastSent)
	if elapsed >= window {
		entry.lastSent = now
		entry.pendingFn = nil
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		fn()
		return
	}

	entry.pendingFn = fn
	if entry.timer != nil {
		return
	}
	delay := window - elapsed
	entry.timer = time.AfterFunc(delay, func() {
		entry.mu.Lock()
		pending := entry.pendingFn
		entry.pendingFn = nil
		entry.timer = nil
		entry.lastSent = time.Now()
		entry.mu.Unlock()
		if pending != nil {
			pending()
		}
	})
}

// pruneWatermarks drops entries that have been idle for watermarkIdleTTL,
// invoked once the table grows past watermarkPruneAbove entries.
func (p *eventPublisher) pruneWatermarks() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-watermarkIdleTTL)
	for key, entry := range p.watermarks {
		entry.mu.Lock()
		idle := entry.lastSent.Before(cutoff) && entry.timer == nil
		entry.mu.Unlock()
		if idle {
			delete(p.watermarks, key)
		}
	}
}

// envelope is the message shape delivered to WebSocket subscribers.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func toMap(v any) map[string]interface{} {
	switch d := v.(type) {
	case RunStateChangedData:
		return map[string]interface{}{
			"runId": d.RunID, "taskId": d.TaskID, "state": d.State,
			"failureClass": d.FailureClass, "summary": d.Summary, "prUrl": d.PRUrl, "obsolete": d.Obsolete,
		}
	case RunDiffUpdatedData:
		return map[string]interface{}{"runId": d.RunID, "sequence": d.Sequence, "diffStat": d.DiffStat}
	case RunToolUpdatedData:
		return map[string]interface{}{
			"runId": d.RunID, "toolCallId": d.ToolCallID, "toolName": d.ToolName, "status": d.Status,
		}
	case RunLogAppendedData:
		return map[string]interface{}{
			"runId": d.RunID, "sequence": d.Sequence, "level": d.Level, "message": d.Message,
		}
	case TaskRuntimeStatusData:
		return map[string]interface{}{
			"taskRuntimeId": d.TaskRuntimeID, "status": d.Status, "activeSlots": d.ActiveSlots, "maxSlots": d.MaxSlots,
		}
	case IncidentData:
		return map[string]interface{}{
			"runtimeId": d.RuntimeID, "status": d.Status, "reason": d.Reason,
			"action": d.Action, "success": d.Success, "message": d.Message, "severity": string(d.Severity),
		}
	case ReadinessChangedData:
		return map[string]interface{}{"blocked": d.Blocked}
	default:
		return nil
	}
}
