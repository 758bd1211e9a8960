package listener

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/publisher"
	"github.com/taskctl/controlplane/internal/runtimerpc"
)

type connState string

const (
	connDisconnected   connState = "DISCONNECTED"
	connProbing        connState = "PROBING"
	connBackfillReplay connState = "BACKFILL_REPLAY"
	connSubscribed     connState = "SUBSCRIBED"
)

const (
	minBackoff           = time.Second
	maxBackoff           = 30 * time.Second
	probeBudget          = 2 * time.Second
	defaultBackfillPage  = 500
	logFailureEveryNthRE = 3
)

// connection supervises the streaming subscription to a single Running
// runtime: probe reachability (falling back to the proxy endpoint when
// the primary is unreachable), replay the backlog since the last
// checkpoint, then subscribe and process frames until disconnect, with
// exponential backoff between attempts.
type connection struct {
	runtimeID   string
	pool        *runtimerpc.Pool
	checkpoints *checkpointTracker
	processor   *Processor
	pub         publisher.Publisher
	cfg         config.ListenerConfig
	log         *logger.Logger

	mu             sync.Mutex
	endpoint       string
	proxyEndpoint  string
	state          connState
	consecutiveErr int
}

func newConnection(runtimeID string, pool *runtimerpc.Pool, checkpoints *checkpointTracker, processor *Processor, pub publisher.Publisher, cfg config.ListenerConfig, log *logger.Logger) *connection {
	return &connection{
		runtimeID:   runtimeID,
		pool:        pool,
		checkpoints: checkpoints,
		processor:   processor,
		pub:         pub,
		cfg:         cfg,
		log:         log.WithFields(zap.String("component", "listener_connection"), zap.String("runtime_id", runtimeID)),
		state:       connDisconnected,
	}
}

// setEndpoints updates the primary/proxy endpoints this connection
// targets, dropping the pooled client for an endpoint that is being
// replaced so the next probe dials fresh.
func (c *connection) setEndpoints(endpoint, proxyEndpoint string) {
	c.mu.Lock()
	oldEndpoint := c.endpoint
	changed := oldEndpoint != "" && oldEndpoint != endpoint
	c.endpoint = endpoint
	c.proxyEndpoint = proxyEndpoint
	c.mu.Unlock()
	if changed {
		c.pool.Drop(oldEndpoint)
	}
}

func (c *connection) currentEndpoints() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint, c.proxyEndpoint
}

func (c *connection) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// run is the infinite supervised loop for this connection: probe,
// backfill, subscribe, repeat with exponential backoff on any failure.
// It returns only when ctx is cancelled.
func (c *connection) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.cycle(ctx)
		if err == nil {
			c.consecutiveErr = 0
			continue
		}

		c.setState(connDisconnected)
		c.consecutiveErr++
		if c.consecutiveErr%logFailureEveryNthRE == 0 {
			c.log.Warn("runtime connection failed, backing off",
				zap.Int("consecutive_failures", c.consecutiveErr), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffFor(c.consecutiveErr)):
		}
	}
}

func backoffFor(failures int) time.Duration {
	d := minBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// cycle runs one probe -> backfill -> subscribe pass, returning when the
// subscription ends, cleanly or with an error.
func (c *connection) cycle(ctx context.Context) error {
	primary, secondary := c.currentEndpoints()
	if primary == "" {
		return fmt.Errorf("listener: connection %s has no endpoint", c.runtimeID)
	}

	c.setState(connProbing)
	client, err := c.probe(ctx, primary, secondary)
	if err != nil {
		return fmt.Errorf("probe runtime %s: %w", c.runtimeID, err)
	}

	c.setState(connBackfillReplay)
	if err := c.backfill(ctx, client); err != nil {
		return fmt.Errorf("backfill runtime %s: %w", c.runtimeID, err)
	}

	c.setState(connSubscribed)
	err = c.subscribeAndPump(ctx, client)
	c.setState(connDisconnected)
	return err
}

// probe tries the primary endpoint first, falling back to the proxy
// endpoint (if configured) when the primary does not answer within the
// probe budget. The primary is always attempted first on every cycle; a
// successful fallback is not sticky.
func (c *connection) probe(ctx context.Context, primary, secondary string) (runtimerpc.Client, error) {
	client, err := c.tryProbe(ctx, primary)
	if err == nil {
		return client, nil
	}
	if secondary == "" {
		return nil, err
	}
	return c.tryProbe(ctx, secondary)
}

func (c *connection) tryProbe(ctx context.Context, endpoint string) (runtimerpc.Client, error) {
	client, err := c.pool.Get(endpoint)
	if err != nil {
		return nil, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeBudget)
	defer cancel()
	if _, err := client.CheckHealth(probeCtx); err != nil {
		c.pool.Drop(endpoint)
		return nil, err
	}
	return client, nil
}

func (c *connection) backfillPageSize() int {
	if c.cfg.BackfillPageSize > 0 {
		return c.cfg.BackfillPageSize
	}
	return defaultBackfillPage
}

// backfill replays every event delivered after the runtime's persisted
// checkpoint, page by page, before any live event is processed.
func (c *connection) backfill(ctx context.Context, client runtimerpc.Client) error {
	for {
		checkpoint, err := c.checkpoints.load(ctx, c.runtimeID)
		if err != nil {
			return err
		}

		page, err := client.ReadEventBacklog(ctx, &runtimerpc.ReadEventBacklogRequest{
			AfterDeliveryID: checkpoint,
			MaxEvents:       c.backfillPageSize(),
		})
		if err != nil {
			return err
		}
		if !page.Success {
			return fmt.Errorf("backlog read rejected: %s", page.ErrorMessage)
		}

		for i := range page.Events {
			c.processEvent(ctx, &page.Events[i])
		}
		if !page.HasMore {
			return nil
		}
	}
}

// subscribeAndPump opens the live event hub and processes frames until
// the stream closes or errors.
func (c *connection) subscribeAndPump(ctx context.Context, client runtimerpc.Client) error {
	stream, err := client.Subscribe(ctx, &runtimerpc.SubscribeRequest{})
	if err != nil {
		return err
	}
	defer stream.CloseSend()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case frame.JobEvent != nil:
			c.processEvent(ctx, frame.JobEvent)
		case frame.StatusChange != nil:
			c.handleStatusChange(ctx, frame.StatusChange)
		}
	}
}

// processEvent drops events at or below the runtime's checkpoint,
// otherwise hands them to the processor and advances the checkpoint.
func (c *connection) processEvent(ctx context.Context, evt *runtimerpc.JobEventMessage) {
	ok, err := c.checkpoints.shouldProcess(ctx, c.runtimeID, evt.DeliveryID)
	if err != nil {
		c.log.Error("failed to check event checkpoint", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	c.processor.Process(ctx, c.runtimeID, evt)

	if err := c.checkpoints.advance(ctx, c.runtimeID, evt.DeliveryID); err != nil {
		c.log.Error("failed to advance checkpoint", zap.Error(err))
	}
}

func (c *connection) handleStatusChange(ctx context.Context, status *runtimerpc.TaskRuntimeStatusMessage) {
	if err := c.pub.PublishTaskRuntimeStatusChanged(ctx, publisher.TaskRuntimeStatusData{
		TaskRuntimeID: status.TaskRuntimeID,
		Status:        status.Status,
		ActiveSlots:   status.ActiveSlots,
		MaxSlots:      status.MaxSlots,
	}); err != nil {
		c.log.Warn("failed to publish task runtime status", zap.Error(err))
	}
}
