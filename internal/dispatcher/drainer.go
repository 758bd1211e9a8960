package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/apperr"
	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/store"
)

const defaultPollInterval = 2 * time.Second

// Drainer periodically picks up queued runs across every task with a
// non-empty backlog, generalizing the teacher scheduler's single-queue
// process loop to the per-task queue this control plane maintains.
type Drainer struct {
	store      store.Store
	dispatcher *Dispatcher
	interval   time.Duration
	logger     *logger.Logger
}

// NewDrainer creates a Drainer. A zero or negative PollIntervalMillis in
// cfg falls back to defaultPollInterval.
func NewDrainer(s store.Store, d *Dispatcher, cfg config.DispatcherConfig, log *logger.Logger) *Drainer {
	interval := time.Duration(cfg.PollIntervalMillis) * time.Millisecond
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Drainer{
		store:      s,
		dispatcher: d,
		interval:   interval,
		logger:     log.WithFields(zap.String("component", "queue_drainer")),
	}
}

// Run drains the queue on every tick until ctx is cancelled. It never
// tight-loops on failure: a failed dispatch for one task just moves on
// to the next task on this tick.
func (d *Drainer) Run(ctx context.Context) {
	d.logger.Info("queue drainer started", zap.Duration("interval", d.interval))
	defer d.logger.Info("queue drainer stopped")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

func (d *Drainer) drainOnce(ctx context.Context) {
	taskIDs, err := d.store.ListTaskIDsWithQueuedRuns(ctx)
	if err != nil {
		d.logger.Error("failed to list tasks with queued runs", zap.Error(err))
		return
	}

	for _, taskID := range taskIDs {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := d.dispatcher.DispatchNextQueuedRunForTask(ctx, taskID); err != nil {
			if apperr.Is(err, apperr.KindResourceExhausted) {
				continue
			}
			d.logger.Warn("failed to dispatch queued run for task", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}
