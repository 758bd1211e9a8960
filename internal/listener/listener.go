// Package listener maintains the streaming connection to every Running
// task runtime and turns inbound run events into durable state: structured
// events, log events, diff snapshots, tool projections and artifacts,
// publishing each change for WebSocket subscribers.
package listener

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/dispatcher"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/publisher"
	"github.com/taskctl/controlplane/internal/runtimerpc"
	"github.com/taskctl/controlplane/internal/store"
)

const directoryPollInterval = 5 * time.Second

// Listener maintains exactly one live streaming connection per Running
// runtime with a reachable endpoint, creating and tearing down
// connections as the runtime directory changes.
type Listener struct {
	store      store.Store
	pool       *runtimerpc.Pool
	pub        publisher.Publisher
	dispatcher *dispatcher.Dispatcher
	cfg        config.ListenerConfig
	embeddings EmbeddingRefresher
	log        *logger.Logger

	checkpoints *checkpointTracker
	artifacts   *artifactAssembler
	sequencer   *sequencer
	processor   *Processor

	mu          sync.Mutex
	connections map[string]*liveConnection
}

type liveConnection struct {
	conn   *connection
	cancel context.CancelFunc
}

// New constructs a Listener. embeddings may be nil, in which case task
// embedding refreshes on run completion are a no-op.
func New(s store.Store, pool *runtimerpc.Pool, pub publisher.Publisher, disp *dispatcher.Dispatcher, cfg config.ListenerConfig, embeddings EmbeddingRefresher, log *logger.Logger) *Listener {
	log = log.WithFields(zap.String("component", "listener"))
	if embeddings == nil {
		embeddings = noopEmbeddingRefresher{}
	}
	return &Listener{
		store:       s,
		pool:        pool,
		pub:         pub,
		dispatcher:  disp,
		cfg:         cfg,
		embeddings:  embeddings,
		log:         log,
		checkpoints: newCheckpointTracker(s, log),
		artifacts:   newArtifactAssembler(s, cfg, log),
		sequencer:   newSequencer(),
		connections: make(map[string]*liveConnection),
	}
}

// Run polls the runtime directory every five seconds until ctx is
// cancelled, reconciling the set of live connections against it. It
// blocks for the caller's lifetime and should be started on its own
// goroutine.
func (l *Listener) Run(ctx context.Context) {
	retry := newRetryScheduler(ctx, l.store, l.dispatcher, l.log)
	l.processor = newProcessor(l.store, l.artifacts, l.sequencer, l.pub, l.dispatcher, retry, l.embeddings, l.log)

	l.log.Info("runtime event listener started")
	defer l.log.Info("runtime event listener stopped")

	ticker := time.NewTicker(directoryPollInterval)
	defer ticker.Stop()

	l.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-ticker.C:
			l.reconcile(ctx)
		}
	}
}

// reconcile brings the connection set in line with the current runtime
// directory: a connection is created for every Ready or Busy runtime
// with a non-empty endpoint, its endpoints are refreshed if they moved,
// and connections for runtimes no longer in that set are torn down.
func (l *Listener) reconcile(ctx context.Context) {
	runtimes, err := l.store.ListTaskRuntimes(ctx)
	if err != nil {
		l.log.Error("failed to list task runtimes", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(runtimes))
	for _, rt := range runtimes {
		if !isConnectable(rt) {
			continue
		}
		seen[rt.RuntimeID] = true
		l.ensureConnection(ctx, rt)
	}

	l.mu.Lock()
	var stale []string
	for id := range l.connections {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	l.mu.Unlock()

	for _, id := range stale {
		l.teardown(id)
	}
}

func isConnectable(rt *model.TaskRuntime) bool {
	if rt.Endpoint == "" {
		return false
	}
	return rt.State == model.TaskRuntimeReady || rt.State == model.TaskRuntimeBusy
}

func (l *Listener) ensureConnection(ctx context.Context, rt *model.TaskRuntime) {
	l.mu.Lock()
	lc, ok := l.connections[rt.RuntimeID]
	if !ok {
		connCtx, cancel := context.WithCancel(ctx)
		conn := newConnection(rt.RuntimeID, l.pool, l.checkpoints, l.processor, l.pub, l.cfg, l.log)
		conn.setEndpoints(rt.Endpoint, rt.ProxyEndpoint)
		lc = &liveConnection{conn: conn, cancel: cancel}
		l.connections[rt.RuntimeID] = lc
		l.mu.Unlock()

		l.log.Info("connecting to runtime", zap.String("runtime_id", rt.RuntimeID), zap.String("endpoint", rt.Endpoint))
		go conn.run(connCtx)
		return
	}
	l.mu.Unlock()
	lc.conn.setEndpoints(rt.Endpoint, rt.ProxyEndpoint)
}

func (l *Listener) teardown(runtimeID string) {
	l.mu.Lock()
	lc, ok := l.connections[runtimeID]
	delete(l.connections, runtimeID)
	l.mu.Unlock()
	if !ok {
		return
	}
	lc.cancel()
	l.checkpoints.forget(runtimeID)
	l.log.Info("torn down connection for runtime no longer connectable", zap.String("runtime_id", runtimeID))
}

func (l *Listener) shutdown() {
	l.mu.Lock()
	for _, lc := range l.connections {
		lc.cancel()
	}
	l.connections = make(map[string]*liveConnection)
	l.mu.Unlock()
}
