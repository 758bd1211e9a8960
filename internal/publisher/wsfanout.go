package publisher

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/logger"
)

// RunSubscriber is a single fan-out consumer watching one run (typically a
// WebSocket connection backing a UI client). Send is non-blocking: a slow
// subscriber is disconnected rather than allowed to backpressure the
// publisher.
type RunSubscriber struct {
	ID    string
	RunID string
	send  chan []byte
	hub   *RunHub
}

// Send returns the channel the subscriber's connection handler should
// drain and forward to its transport.
func (c *RunSubscriber) Send() <-chan []byte {
	return c.send
}

// RunHub fans out per-run delta messages to every subscriber currently
// watching that run, generalizing one-client-per-task-id WebSocket
// routing to one-subscriber-per-run-id.
type RunHub struct {
	clients   map[*RunSubscriber]bool
	runClients map[string]map[*RunSubscriber]bool

	register   chan *RunSubscriber
	unregister chan *RunSubscriber
	broadcast  chan *runBroadcast

	mu     sync.RWMutex
	logger *logger.Logger
}

type runBroadcast struct {
	runID   string
	message any
}

// NewRunHub creates a RunHub. Call Run in its own goroutine before
// registering subscribers.
func NewRunHub(log *logger.Logger) *RunHub {
	return &RunHub{
		clients:    make(map[*RunSubscriber]bool),
		runClients: make(map[string]map[*RunSubscriber]bool),
		register:   make(chan *RunSubscriber),
		unregister: make(chan *RunSubscriber),
		broadcast:  make(chan *runBroadcast, 256),
		logger:     log.WithFields(zap.String("component", "run_hub")),
	}
}

// Run processes register/unregister/broadcast until ctx is cancelled.
func (h *RunHub) Run(ctx context.Context) {
	h.logger.Info("run hub started")
	defer h.logger.Info("run hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*RunSubscriber]bool)
			h.runClients = make(map[string]map[*RunSubscriber]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if _, ok := h.runClients[client.RunID]; !ok {
				h.runClients[client.RunID] = make(map[*RunSubscriber]bool)
			}
			h.runClients[client.RunID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case b := <-h.broadcast:
			h.mu.RLock()
			subs := h.runClients[b.runID]
			data, err := json.Marshal(b.message)
			h.mu.RUnlock()
			if err != nil {
				h.logger.Error("failed to marshal run delta", zap.Error(err))
				continue
			}
			if len(subs) == 0 {
				continue
			}
			for client := range subs {
				select {
				case client.send <- data:
				default:
					h.mu.Lock()
					h.removeLocked(client)
					h.mu.Unlock()
				}
			}
		}
	}
}

func (h *RunHub) removeLocked(client *RunSubscriber) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if subs, ok := h.runClients[client.RunID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.runClients, client.RunID)
		}
	}
}

// Subscribe registers a new subscriber for runID and returns it. The
// caller must eventually call Unsubscribe.
func (h *RunHub) Subscribe(id, runID string) *RunSubscriber {
	client := &RunSubscriber{ID: id, RunID: runID, send: make(chan []byte, 64), hub: h}
	h.register <- client
	return client
}

// Unsubscribe removes a subscriber.
func (h *RunHub) Unsubscribe(client *RunSubscriber) {
	h.unregister <- client
}

// Broadcast sends message to every subscriber currently watching runID.
func (h *RunHub) Broadcast(runID string, message any) {
	h.broadcast <- &runBroadcast{runID: runID, message: message}
}

// SubscriberCount returns the number of subscribers currently watching
// runID.
func (h *RunHub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runClients[runID])
}
