package listener

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/dispatcher"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/store"
)

// retryScheduler creates and dispatches the next attempt for a failed run
// whose task still allows retries. Scheduling is fire-and-forget: it runs
// on its own goroutine against the listener's root context so a dropped
// runtime connection never aborts a pending retry, and only the
// application shutdown signal does.
type retryScheduler struct {
	ctx        context.Context
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	log        *logger.Logger
}

func newRetryScheduler(ctx context.Context, s store.Store, d *dispatcher.Dispatcher, log *logger.Logger) *retryScheduler {
	return &retryScheduler{
		ctx:        ctx,
		store:      s,
		dispatcher: d,
		log:        log.WithFields(zap.String("component", "retry_scheduler")),
	}
}

// ScheduleIfEligible spawns the retry if task.retryPolicy still allows
// another attempt for run, sleeping for the computed backoff before
// creating and dispatching the next attempt.
func (r *retryScheduler) ScheduleIfEligible(task *model.Task, run *model.Run) {
	if !task.RetryPolicy.NextAttemptAllowed(run.Attempt) {
		return
	}
	delay := task.RetryPolicy.RetryDelay(run.Attempt)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
		}

		next := &model.Run{
			Repository:            run.Repository,
			TaskID:                run.TaskID,
			State:                 model.RunStateQueued,
			Attempt:               run.Attempt + 1,
			ExecutionMode:         run.ExecutionMode,
			SessionProfileID:      run.SessionProfileID,
			MCPConfigSnapshotJSON: run.MCPConfigSnapshotJSON,
		}
		if err := r.store.CreateRun(r.ctx, next); err != nil {
			r.log.Error("failed to create retry run",
				zap.String("task_id", run.TaskID), zap.String("original_run_id", run.ID), zap.Error(err))
			return
		}
		r.log.Info("retry run created",
			zap.String("task_id", run.TaskID), zap.String("run_id", next.ID), zap.Int("attempt", next.Attempt))

		if err := r.dispatcher.DispatchNextQueuedRunForTask(r.ctx, run.TaskID); err != nil {
			r.log.Warn("failed to dispatch retry run", zap.String("task_id", run.TaskID), zap.Error(err))
		}
	}()
}
