// Package dispatcher places queued runs onto ready task runtimes and
// drains the per-task queue backlog, generalizing the teacher's
// in-process task scheduler to remote dispatch over the runtime RPC
// surface.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/apperr"
	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/concurrent"
	"github.com/taskctl/controlplane/internal/lifecycle"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/publisher"
	"github.com/taskctl/controlplane/internal/runtimerpc"
	"github.com/taskctl/controlplane/internal/store"
)

// Dispatcher places pending runs on ready runtimes and dispatches the
// next queued run for a task once capacity frees up.
type Dispatcher struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	pool      *runtimerpc.Pool
	pub       publisher.Publisher
	cfg       config.RuntimeConfig
	logger    *logger.Logger

	// claims serializes the concurrency-check-and-dispatch sequence per
	// task so the drainer ticker, the listener's completion path and the
	// retry goroutine can't all observe a free slot and dispatch past
	// EffectiveConcurrencyLimit for the same task.
	claims *concurrent.KeyMutexMap
}

// New creates a Dispatcher.
func New(s store.Store, lc *lifecycle.Manager, pool *runtimerpc.Pool, pub publisher.Publisher, cfg config.RuntimeConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:     s,
		lifecycle: lc,
		pool:      pool,
		pub:       pub,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "dispatcher")),
		claims:    concurrent.NewKeyMutexMap(),
	}
}

// Dispatch selects a ready, non-draining runtime with a free slot for
// task, provisioning one through the lifecycle manager if none exists
// yet, submits run over the runtime's command RPC, and transitions it to
// Running.
func (d *Dispatcher) Dispatch(ctx context.Context, repo *model.Repository, task *model.Task, run *model.Run) error {
	rt, err := d.store.GetTaskRuntimeByTaskID(ctx, task.ID)
	if err != nil || !runtimeUsable(rt) {
		rt, err = d.lifecycle.EnsureRuntimeForTask(ctx, task, repo)
		if err != nil {
			return fmt.Errorf("dispatcher: ensure runtime for task %s: %w", task.ID, err)
		}
	}

	if !runtimeUsable(rt) {
		return apperr.ResourceExhausted(fmt.Sprintf("task runtime %s is not accepting runs (state=%s)", rt.ID, rt.State))
	}
	if !rt.HasFreeSlot() {
		return apperr.ResourceExhausted(fmt.Sprintf("task runtime %s has no free slot", rt.ID))
	}

	client, err := d.pool.Get(rt.Endpoint)
	if err != nil {
		return apperr.TransientNetwork("dial task runtime", err)
	}

	result, err := client.StartCommand(ctx, &runtimerpc.StartRuntimeCommandRequest{
		RunID:          run.ID,
		TaskID:         task.ID,
		RepositoryID:   repo.ID,
		Harness:        task.Harness,
		Prompt:         task.Prompt,
		Command:        task.Command,
		WorkerImageRef: d.cfg.Image,
	})
	if err != nil {
		d.pool.Drop(rt.Endpoint)
		return apperr.TransientNetwork("start run on task runtime", err)
	}
	if !result.Success {
		return apperr.Conflict(fmt.Sprintf("task runtime rejected start command: %s", result.Error))
	}

	now := time.Now().UTC()
	run.MarkRunning(rt.RuntimeID, model.WorkerImage{Ref: d.cfg.Image, Source: "registry"}, now)
	if err := d.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("dispatcher: update run %s: %w", run.ID, err)
	}

	rt.ActiveRuns++
	if err := d.store.UpsertTaskRuntime(ctx, rt); err != nil {
		d.logger.Error("failed to record runtime slot occupancy", zap.String("task_runtime_id", rt.ID), zap.Error(err))
	}

	d.logger.Info("run dispatched",
		zap.String("run_id", run.ID), zap.String("task_id", task.ID), zap.String("task_runtime_id", rt.ID))

	if err := d.pub.PublishRunStateChanged(ctx, publisher.RunStateChangedData{RunID: run.ID, TaskID: task.ID, State: string(run.State)}); err != nil {
		d.logger.Warn("failed to publish run state change", zap.String("run_id", run.ID), zap.Error(err))
	}
	return nil
}

// DispatchNextQueuedRunForTask atomically claims the oldest Queued run
// for taskID, subject to the task's concurrency limit, and dispatches
// it. It is a no-op if no run is queued or the limit is already reached.
//
// The concurrency check and the dispatch itself run under a per-task
// lock: the drainer ticker, the listener's completion path and the
// retry goroutine can all call this concurrently for the same taskID,
// and without serializing here each could observe a free slot and
// dispatch past the task's concurrency limit before either claim lands.
func (d *Dispatcher) DispatchNextQueuedRunForTask(ctx context.Context, taskID string) error {
	var dispatchErr error
	d.claims.WithLock(taskID, func() {
		dispatchErr = d.dispatchNextQueuedRunForTaskLocked(ctx, taskID)
	})
	return dispatchErr
}

func (d *Dispatcher) dispatchNextQueuedRunForTaskLocked(ctx context.Context, taskID string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dispatcher: get task %s: %w", taskID, err)
	}

	active, err := d.store.CountActiveRunsForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dispatcher: count active runs for task %s: %w", taskID, err)
	}
	if active >= task.EffectiveConcurrencyLimit() {
		return nil
	}

	queued, err := d.store.ListQueuedRunsForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dispatcher: list queued runs for task %s: %w", taskID, err)
	}
	if len(queued) == 0 {
		return nil
	}
	run := queued[0]

	repo, err := d.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		return fmt.Errorf("dispatcher: get repository %s: %w", task.RepositoryID, err)
	}

	return d.Dispatch(ctx, repo, task, run)
}

// runtimeUsable reports whether rt can be dispatched to: it exists, is
// not draining, stopped or quarantined.
func runtimeUsable(rt *model.TaskRuntime) bool {
	if rt == nil {
		return false
	}
	switch rt.State {
	case model.TaskRuntimeReady, model.TaskRuntimeBusy:
		return true
	default:
		return false
	}
}
