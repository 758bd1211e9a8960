// Package retention implements the Retention Cleanup loop: a lease-guarded
// singleton that periodically prunes aged orphaned structured events and terminal
// runs, deletes tasks eligible for cleanup, and vacuums the database under
// sustained size pressure.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/lease"
	"github.com/taskctl/controlplane/internal/store"
)

const leaseName = "maintenance-task-cleanup"

// Summary reports what a single cleanup cycle did.
type Summary struct {
	Executed      bool
	Reason        string
	TasksDeleted  int
	FailedTasks   int
	InitialBytes  int64
	FinalBytes    int64
	VacuumExecuted bool
}

// Service implements the Retention Cleanup loop.
type Service struct {
	store   store.Store
	leases  *lease.Coordinator
	cfg     config.RetentionConfig
	log     *logger.Logger
}

// New creates a Service. leases must be constructed with a TTL of
// 2x the configured sweep interval so a single missed cycle does not
// surrender ownership mid-run.
func New(s store.Store, leases *lease.Coordinator, cfg config.RetentionConfig, log *logger.Logger) *Service {
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 600
	}
	if cfg.RunRetentionDays <= 0 {
		cfg.RunRetentionDays = 30
	}
	if cfg.EventRetentionDays <= 0 {
		cfg.EventRetentionDays = 30
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.CleanupProtectedDays <= 0 {
		cfg.CleanupProtectedDays = 7
	}
	if cfg.DBSoftLimitBytes <= 0 {
		cfg.DBSoftLimitBytes = 2 << 30
	}
	if cfg.DBSoftLimitTargetBytes <= 0 || cfg.DBSoftLimitTargetBytes >= cfg.DBSoftLimitBytes {
		cfg.DBSoftLimitTargetBytes = cfg.DBSoftLimitBytes * 9 / 10
	}
	if cfg.VacuumMinDeletedRows <= 0 {
		cfg.VacuumMinDeletedRows = 1000
	}
	if cfg.MaxTasksDeletedPerTick <= 0 {
		cfg.MaxTasksDeletedPerTick = 100
	}
	if cfg.SizePressureBatchSize <= 0 {
		cfg.SizePressureBatchSize = 25
	}
	return &Service{
		store:  s,
		leases: leases,
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "retention-service")),
	}
}

// Run executes one cleanup cycle immediately and then on the configured
// interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(time.Duration(s.cfg.SweepIntervalSeconds) * time.Second)
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

// RunOnce attempts to acquire the maintenance lease and, if successful,
// runs a single cleanup cycle. If the lease is held by another owner the
// cycle is skipped entirely.
func (s *Service) RunOnce(ctx context.Context) Summary {
	_, ok, err := s.leases.TryAcquire(ctx, leaseName)
	if err != nil {
		s.log.Warn("lease acquisition failed", zap.Error(err))
		return Summary{Executed: false, Reason: "lease acquisition error"}
	}
	if !ok {
		return Summary{Executed: false, Reason: "lease held by another owner"}
	}

	sum := Summary{Executed: true}

	if n, err := s.store.DeleteOrphanedEventsOlderThan(ctx, s.cfg.EventRetentionDays, s.cfg.BatchSize); err != nil {
		s.log.Warn("prune structured events failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("pruned orphaned structured events", zap.Int64("rows", n))
	}

	if n, err := s.store.DeleteTerminalRunsOlderThan(ctx, s.cfg.RunRetentionDays, s.cfg.BatchSize); err != nil {
		s.log.Warn("prune terminal runs failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("pruned terminal runs", zap.Int64("rows", n))
	}

	ageDeleted, failed := s.deleteEligibleTasks(ctx)
	sum.TasksDeleted += ageDeleted
	sum.FailedTasks += failed

	initial, err := s.store.DatabaseSizeBytes(ctx)
	if err != nil {
		s.log.Warn("database size query failed", zap.Error(err))
	}
	sum.InitialBytes = initial
	sum.FinalBytes = initial

	pressureDeleted := 0
	if initial > s.cfg.DBSoftLimitBytes {
		budget := s.cfg.MaxTasksDeletedPerTick - ageDeleted
		pressureDeleted = s.relieveSizePressure(ctx, initial, budget)
		sum.TasksDeleted += pressureDeleted

		final, err := s.store.DatabaseSizeBytes(ctx)
		if err != nil {
			s.log.Warn("database size query failed", zap.Error(err))
		} else {
			sum.FinalBytes = final
		}
	}

	switch {
	case ageDeleted > 0 && pressureDeleted > 0:
		sum.Reason = "age-and-size"
	case pressureDeleted > 0:
		sum.Reason = "size-only"
	case ageDeleted > 0:
		sum.Reason = "age-only"
	default:
		sum.Reason = "ok"
	}

	if pressureDeleted > 0 && sum.TasksDeleted >= s.cfg.VacuumMinDeletedRows {
		if err := s.store.Vacuum(ctx); err != nil {
			s.log.Warn("vacuum failed", zap.Error(err))
		} else {
			sum.VacuumExecuted = true
			if final, err := s.store.DatabaseSizeBytes(ctx); err == nil {
				sum.FinalBytes = final
			}
		}
	}

	s.log.Info("retention cycle complete",
		zap.Int("tasks_deleted", sum.TasksDeleted), zap.Int("failed_tasks", sum.FailedTasks),
		zap.Int64("initial_bytes", sum.InitialBytes), zap.Int64("final_bytes", sum.FinalBytes),
		zap.Bool("vacuum_executed", sum.VacuumExecuted))
	return sum
}

// deleteEligibleTasks removes every task past cleanupProtectedDays that is
// disabled and has no active runs. The open-findings exclusion in the
// configuration has no effect: this architecture has no findings entity to
// exclude on.
func (s *Service) deleteEligibleTasks(ctx context.Context) (deleted, failed int) {
	tasks, err := s.store.ListTasksEligibleForCleanup(ctx, s.cfg.CleanupProtectedDays, s.cfg.MaxTasksDeletedPerTick)
	if err != nil {
		s.log.Warn("list cleanup-eligible tasks failed", zap.Error(err))
		return 0, 0
	}
	for _, t := range tasks {
		if err := s.store.DeleteTask(ctx, t.ID); err != nil {
			s.log.Warn("delete task failed", zap.String("task_id", t.ID), zap.Error(err))
			failed++
			continue
		}
		deleted++
	}
	return deleted, failed
}

// relieveSizePressure deletes eligible tasks, beyond the age-based pass
// above, in batches of SizePressureBatchSize until the database drops to
// DBSoftLimitTargetBytes, there is nothing left to delete, or budget tasks
// have been removed this tick, whichever comes first. budget is what
// remains of MaxTasksDeletedPerTick after the age-based pass.
func (s *Service) relieveSizePressure(ctx context.Context, currentBytes int64, budget int) int {
	deleted := 0
	for currentBytes > s.cfg.DBSoftLimitTargetBytes && deleted < budget {
		batch := s.cfg.SizePressureBatchSize
		if remaining := budget - deleted; batch > remaining {
			batch = remaining
		}
		tasks, err := s.store.ListTasksEligibleForCleanup(ctx, s.cfg.CleanupProtectedDays, batch)
		if err != nil || len(tasks) == 0 {
			break
		}
		progressed := false
		for _, t := range tasks {
			if err := s.store.DeleteTask(ctx, t.ID); err != nil {
				s.log.Warn("size-pressure delete failed", zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			deleted++
			progressed = true
		}
		if !progressed {
			break
		}
		currentBytes, err = s.store.DatabaseSizeBytes(ctx)
		if err != nil {
			break
		}
	}
	return deleted
}
