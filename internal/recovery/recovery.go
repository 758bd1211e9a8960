// Package recovery neutralises orphaned and stuck state left behind by a
// prior process: runs still marked Running when nothing is driving them,
// containers with no matching TaskRuntime row, and runs that have been
// executing far longer than their harness should ever take.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/publisher"
	"github.com/taskctl/controlplane/internal/runtimerpc"
	"github.com/taskctl/controlplane/internal/store"
)

// containerReconciler is the subset of *lifecycle.Manager the service
// needs to remove containers orphaned by a prior process.
type containerReconciler interface {
	ReconcileOrphanedContainers(ctx context.Context) (int, error)
	ForceStopTaskRuntimeContainer(ctx context.Context, runtimeID string) error
}

// Summary reports what a single recovery pass found and acted on.
type Summary struct {
	OrphanedRuns       int
	OrphanedContainers int
	StaleRuns          int
	ZombieRuns         int
	OverdueRuns        int
}

// Service implements the Recovery Service: it runs once at startup (after
// the caller signals the application has started) and then, if enabled,
// on a fixed interval.
type Service struct {
	store   store.Store
	manager containerReconciler
	pool    *runtimerpc.Pool
	pub     publisher.Publisher
	cfg     config.RecoveryConfig
	log     *logger.Logger
}

// New creates a Service.
func New(s store.Store, manager containerReconciler, pool *runtimerpc.Pool, pub publisher.Publisher, cfg config.RecoveryConfig, log *logger.Logger) *Service {
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 600
	}
	if cfg.StaleRunThresholdMinutes <= 0 {
		cfg.StaleRunThresholdMinutes = 60
	}
	if cfg.ZombieRunThresholdMinutes <= 0 {
		cfg.ZombieRunThresholdMinutes = 240
	}
	if cfg.MaxRunAgeHours <= 0 {
		cfg.MaxRunAgeHours = 24
	}
	return &Service{
		store:   s,
		manager: manager,
		pool:    pool,
		pub:     pub,
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "recovery-service")),
	}
}

// Run performs one recovery pass immediately, then continues on the
// configured interval until ctx is cancelled. Callers invoke this after
// the application has signalled it is started, per the startup-hook
// pattern the lifecycle manager's own recovery step follows.
func (s *Service) Run(ctx context.Context) {
	s.RunOnce(ctx)
	if !s.cfg.Enabled {
		return
	}

	ticker := time.NewTicker(time.Duration(s.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every recovery operation once and returns their
// combined counts.
func (s *Service) RunOnce(ctx context.Context) Summary {
	var sum Summary

	if n, err := s.RecoverOrphanedRuns(ctx); err != nil {
		s.log.Warn("recover orphaned runs failed", zap.Error(err))
	} else {
		sum.OrphanedRuns = n
	}

	if n, err := s.ReconcileOrphanedContainers(ctx); err != nil {
		s.log.Warn("reconcile orphaned containers failed", zap.Error(err))
	} else {
		sum.OrphanedContainers = n
	}

	if n, err := s.DetectStale(ctx); err != nil {
		s.log.Warn("detect stale runs failed", zap.Error(err))
	} else {
		sum.StaleRuns = n
	}

	if n, err := s.DetectZombie(ctx); err != nil {
		s.log.Warn("detect zombie runs failed", zap.Error(err))
	} else {
		sum.ZombieRuns = n
	}

	if n, err := s.DetectOverdue(ctx); err != nil {
		s.log.Warn("detect overdue runs failed", zap.Error(err))
	} else {
		sum.OverdueRuns = n
	}

	s.log.Info("recovery pass complete",
		zap.Int("orphaned_runs", sum.OrphanedRuns), zap.Int("orphaned_containers", sum.OrphanedContainers),
		zap.Int("stale_runs", sum.StaleRuns), zap.Int("zombie_runs", sum.ZombieRuns), zap.Int("overdue_runs", sum.OverdueRuns))
	return sum
}

// RecoverOrphanedRuns marks every run still in Running as Failed with
// failureClass OrphanRecovery: nothing in the current process is
// supervising it, since the listener's in-memory connections and
// checkpoints do not survive a restart.
func (s *Service) RecoverOrphanedRuns(ctx context.Context) (int, error) {
	runs, err := s.store.ListRunsByState(ctx, model.RunStateRunning)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, run := range runs {
		if err := s.terminateRun(ctx, run, model.FailureClassOrphanRecovery, "orphaned at startup: no active supervisor"); err != nil {
			s.log.Warn("failed to mark orphaned run failed", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// ReconcileOrphanedContainers delegates to the lifecycle manager, which
// owns the container runtime and can safely remove containers with no
// matching TaskRuntime row.
func (s *Service) ReconcileOrphanedContainers(ctx context.Context) (int, error) {
	return s.manager.ReconcileOrphanedContainers(ctx)
}

// terminationMode distinguishes a graceful in-harness cancel from a
// force-kill of the container backing the run.
type terminationMode int

const (
	// terminateSoft asks the runtime to cancel the command gracefully.
	terminateSoft terminationMode = iota
	// terminateForce kills the backing container directly, for runs whose
	// harness has already had a soft cancel's worth of time to respond
	// (zombie) or that have blown through the absolute age ceiling
	// (overdue) and cannot be trusted to honor a graceful cancel.
	terminateForce
)

// DetectStale soft-terminates runs whose StartedAt is more than
// staleRunThresholdMinutes in the past: a best-effort graceful cancel
// command is sent to the owning runtime before the run is marked Failed.
// Event activity is not consulted; a run that is still producing events
// is terminated once it passes the threshold.
func (s *Service) DetectStale(ctx context.Context) (int, error) {
	threshold := time.Duration(s.cfg.StaleRunThresholdMinutes) * time.Minute
	return s.detectAndTerminate(ctx, threshold, model.FailureClassStaleRun, "stale: no activity past threshold", terminateSoft)
}

// DetectZombie force-kills the container behind runs that have been
// Running for more than zombieRunThresholdMinutes: a run this far past
// the stale threshold has already had time to honor a graceful cancel, so
// it gets terminated at the container level instead.
func (s *Service) DetectZombie(ctx context.Context) (int, error) {
	threshold := time.Duration(s.cfg.ZombieRunThresholdMinutes) * time.Minute
	return s.detectAndTerminate(ctx, threshold, model.FailureClassZombieRun, "zombie: running far past the stale threshold", terminateForce)
}

// DetectOverdue force-kills the container behind runs that have exceeded
// maxRunAgeHours regardless of activity.
func (s *Service) DetectOverdue(ctx context.Context) (int, error) {
	threshold := time.Duration(s.cfg.MaxRunAgeHours) * time.Hour
	return s.detectAndTerminate(ctx, threshold, model.FailureClassOverdueRun, "overdue: exceeded maximum run age", terminateForce)
}

func (s *Service) detectAndTerminate(ctx context.Context, threshold time.Duration, class model.FailureClass, reason string, mode terminationMode) (int, error) {
	runs, err := s.store.ListRunsByState(ctx, model.RunStateRunning)
	if err != nil {
		return 0, err
	}
	count := 0
	now := time.Now().UTC()
	for _, run := range runs {
		if run.StartedAt == nil || now.Sub(*run.StartedAt) < threshold {
			continue
		}
		switch mode {
		case terminateForce:
			s.bestEffortForceStop(ctx, run)
		default:
			s.bestEffortCancel(ctx, run)
		}
		if err := s.terminateRun(ctx, run, class, reason); err != nil {
			s.log.Warn("failed to terminate run", zap.String("run_id", run.ID), zap.String("failure_class", string(class)), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// bestEffortCancel asks the owning runtime to stop the command backing
// run, ignoring failure: the runtime may be unreachable, which is itself
// part of why the run is being reaped.
func (s *Service) bestEffortCancel(ctx context.Context, run *model.Run) {
	if run.RuntimeID == "" {
		return
	}
	runtimes, err := s.store.ListTaskRuntimes(ctx)
	if err != nil {
		return
	}
	var endpoint string
	for _, rt := range runtimes {
		if rt.RuntimeID == run.RuntimeID {
			endpoint = rt.Endpoint
			break
		}
	}
	if endpoint == "" {
		return
	}
	client, err := s.pool.Get(endpoint)
	if err != nil {
		return
	}
	cancelCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _ = client.CancelCommand(cancelCtx, &runtimerpc.CancelRuntimeCommandRequest{RunID: run.ID})
}

// bestEffortForceStop kills the container backing run's runtime, ignoring
// failure: the container may already be gone, which is itself a valid
// outcome for a run being reaped.
func (s *Service) bestEffortForceStop(ctx context.Context, run *model.Run) {
	if run.RuntimeID == "" {
		return
	}
	if err := s.manager.ForceStopTaskRuntimeContainer(ctx, run.RuntimeID); err != nil {
		s.log.Warn("force-stop container failed", zap.String("run_id", run.ID), zap.String("runtime_id", run.RuntimeID), zap.Error(err))
	}
}

func (s *Service) terminateRun(ctx context.Context, run *model.Run, class model.FailureClass, reason string) error {
	changed, err := s.store.MarkRunCompleted(ctx, run.ID, model.RunStateFailed, reason, "", "", class, time.Now().UTC())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.pub.PublishRunStateChanged(ctx, publisher.RunStateChangedData{
		RunID: run.ID, TaskID: run.TaskID, State: string(model.RunStateFailed), FailureClass: string(class), Summary: reason,
	})
}
