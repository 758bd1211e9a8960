package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/apperr"
	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/store"
)

// Manager owns the set of TaskRuntimes and their containers: the single
// authority the dispatcher, health supervisor and recovery service consult
// to create, inspect, restart, recycle, drain and scale down runtimes.
type Manager struct {
	store   store.Store
	runtime Runtime
	cfg     config.RuntimeConfig
	log     *logger.Logger

	mu          sync.RWMutex
	draining    map[string]bool
	coldStarted map[string]time.Time
}

// NewManager creates a Manager backed by runtime for container operations
// and st for durable TaskRuntime state.
func NewManager(st store.Store, runtime Runtime, cfg config.RuntimeConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:       st,
		runtime:     runtime,
		cfg:         cfg,
		log:         log.WithFields(zap.String("component", "lifecycle-manager")),
		draining:    make(map[string]bool),
		coldStarted: make(map[string]time.Time),
	}
}

// ListTaskRuntimes returns a snapshot of every known runtime.
func (m *Manager) ListTaskRuntimes(ctx context.Context) ([]*model.TaskRuntime, error) {
	return m.store.ListTaskRuntimes(ctx)
}

// GetTaskRuntime returns a single runtime's snapshot, or apperr.NotFound.
func (m *Manager) GetTaskRuntime(ctx context.Context, id string) (*model.TaskRuntime, error) {
	rt, err := m.store.GetTaskRuntime(ctx, id)
	if err != nil {
		return nil, apperr.NotFound("task runtime", id)
	}
	return rt, nil
}

// EnsureRuntimeForTask returns the task's existing runtime, provisioning a
// new one via the container runtime if none exists yet. Called by the
// dispatcher when the task has no runtime or its runtime is not Ready/Busy;
// the free-slot check happens afterwards in the dispatcher.
func (m *Manager) EnsureRuntimeForTask(ctx context.Context, task *model.Task, repo *model.Repository) (*model.TaskRuntime, error) {
	existing, err := m.store.GetTaskRuntimeByTaskID(ctx, task.ID)
	if err == nil {
		return existing, nil
	}

	runtimeID := model.NewID()
	m.coldStarted[runtimeID] = time.Now().UTC()

	rt := &model.TaskRuntime{
		TaskID:          task.ID,
		RuntimeID:       runtimeID,
		State:           model.TaskRuntimeProvisioning,
		MaxParallelRuns: task.EffectiveConcurrencyLimit(),
	}
	if err := m.store.UpsertTaskRuntime(ctx, rt); err != nil {
		return nil, fmt.Errorf("persist provisioning task runtime: %w", err)
	}

	result, err := m.runtime.Provision(ctx, ProvisionRequest{
		RuntimeID:      runtimeID,
		TaskID:         task.ID,
		RepositoryID:   task.RepositoryID,
		Image:          m.cfg.Image,
		WorkspacePath:  repo.LocalPath,
		MainRepoGitDir: repo.LocalPath,
	})
	if err != nil {
		rt.State = model.TaskRuntimeQuarantined
		rt.LastError = err.Error()
		_ = m.store.UpsertTaskRuntime(ctx, rt)
		return nil, apperr.TransientNetwork("provision task runtime", err)
	}

	rt.State = model.TaskRuntimeReady
	rt.ContainerID = result.ContainerID
	rt.Endpoint = result.Endpoint
	rt.WorkspacePath = result.WorkspacePath
	rt.LastActivityUtc = time.Now().UTC()
	rt.ColdStartCount++
	if err := m.store.UpsertTaskRuntime(ctx, rt); err != nil {
		return nil, fmt.Errorf("persist provisioned task runtime: %w", err)
	}

	m.log.Info("task runtime provisioned", zap.String("runtime_id", runtimeID), zap.String("task_id", task.ID))
	return rt, nil
}

// ReportTaskRuntimeHeartbeat updates the persisted registration for a
// runtime reporting its current slot usage.
func (m *Manager) ReportTaskRuntimeHeartbeat(ctx context.Context, runtimeID string, activeSlots, maxSlots int) error {
	now := time.Now().UTC()
	if err := m.store.RecordTaskRuntimeHeartbeat(ctx, runtimeID, activeSlots, now); err != nil {
		return fmt.Errorf("record heartbeat for %s: %w", runtimeID, err)
	}
	return nil
}

// RestartTaskRuntime stops then starts the runtime's existing container in
// place, leaving its taskId and container identity unchanged.
func (m *Manager) RestartTaskRuntime(ctx context.Context, id string) error {
	rt, err := m.store.GetTaskRuntime(ctx, id)
	if err != nil {
		return apperr.NotFound("task runtime", id)
	}

	if err := m.runtime.Stop(ctx, rt.ContainerID, false); err != nil {
		m.log.Warn("stop during restart failed, continuing", zap.String("runtime_id", id), zap.Error(err))
	}

	result, err := m.runtime.Provision(ctx, ProvisionRequest{
		RuntimeID:     rt.RuntimeID,
		TaskID:        rt.TaskID,
		Image:         m.cfg.Image,
		WorkspacePath: rt.WorkspacePath,
	})
	if err != nil {
		rt.RestartAttempts++
		rt.LastError = err.Error()
		_ = m.store.UpsertTaskRuntime(ctx, rt)
		return apperr.TransientNetwork("restart task runtime", err)
	}

	rt.ContainerID = result.ContainerID
	rt.Endpoint = result.Endpoint
	rt.State = model.TaskRuntimeReady
	rt.LastActivityUtc = time.Now().UTC()
	return m.store.UpsertTaskRuntime(ctx, rt)
}

// RecycleTaskRuntime removes and recreates the runtime's container with the
// same taskId and the currently resolved image, resetting restartAttempts.
func (m *Manager) RecycleTaskRuntime(ctx context.Context, id string) error {
	rt, err := m.store.GetTaskRuntime(ctx, id)
	if err != nil {
		return apperr.NotFound("task runtime", id)
	}

	if err := m.runtime.Remove(ctx, rt.ContainerID); err != nil {
		m.log.Warn("remove during recycle failed, continuing", zap.String("runtime_id", id), zap.Error(err))
	}

	result, err := m.runtime.Provision(ctx, ProvisionRequest{
		RuntimeID:     rt.RuntimeID,
		TaskID:        rt.TaskID,
		Image:         m.cfg.Image,
		WorkspacePath: rt.WorkspacePath,
	})
	if err != nil {
		rt.LastError = err.Error()
		rt.State = model.TaskRuntimeQuarantined
		_ = m.store.UpsertTaskRuntime(ctx, rt)
		return apperr.TransientNetwork("recycle task runtime", err)
	}

	rt.ContainerID = result.ContainerID
	rt.Endpoint = result.Endpoint
	rt.State = model.TaskRuntimeReady
	rt.RestartAttempts = 0
	rt.LastError = ""
	rt.LastActivityUtc = time.Now().UTC()
	return m.store.UpsertTaskRuntime(ctx, rt)
}

// SetTaskRuntimeDraining toggles the Draining flag the dispatcher consults
// before placing new runs.
func (m *Manager) SetTaskRuntimeDraining(ctx context.Context, id string, draining bool) error {
	m.mu.Lock()
	m.draining[id] = draining
	m.mu.Unlock()

	state := model.TaskRuntimeReady
	if draining {
		state = model.TaskRuntimeDraining
	}
	return m.store.UpdateTaskRuntimeState(ctx, id, state)
}

// QuarantineTaskRuntime sets the in-memory draining flag for id so the
// dispatcher stops placing new runs on it and persists its state as
// Quarantined, where a plain drain persists Draining.
func (m *Manager) QuarantineTaskRuntime(ctx context.Context, id string) error {
	m.mu.Lock()
	m.draining[id] = true
	m.mu.Unlock()
	return m.store.UpdateTaskRuntimeState(ctx, id, model.TaskRuntimeQuarantined)
}

// ForceStopTaskRuntimeContainer force-kills (SIGKILL, not a graceful stop)
// the container backing the TaskRuntime identified by its domain
// RuntimeID. Used by the Recovery Service to terminate a zombie or
// overdue run's container directly when a graceful in-container cancel
// is not appropriate.
func (m *Manager) ForceStopTaskRuntimeContainer(ctx context.Context, runtimeID string) error {
	runtimes, err := m.store.ListTaskRuntimes(ctx)
	if err != nil {
		return fmt.Errorf("list task runtimes: %w", err)
	}
	for _, rt := range runtimes {
		if rt.RuntimeID != runtimeID {
			continue
		}
		if rt.ContainerID == "" {
			return nil
		}
		return m.runtime.Stop(ctx, rt.ContainerID, true)
	}
	return nil
}

// IsDraining reports whether id is currently marked draining.
func (m *Manager) IsDraining(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.draining[id]
}

// ScaleDownIdleTaskRuntimes stops any runtime with no active runs whose
// last activity is older than idleTimeout, subject to minWarm keeping the
// newest-activity runtimes alive regardless of idle time.
func (m *Manager) ScaleDownIdleTaskRuntimes(ctx context.Context, idleTimeout time.Duration, minWarm int) error {
	runtimes, err := m.store.ListTaskRuntimes(ctx)
	if err != nil {
		return fmt.Errorf("list task runtimes: %w", err)
	}

	idle := make([]*model.TaskRuntime, 0, len(runtimes))
	for _, rt := range runtimes {
		if rt.IsIdle() && rt.State != model.TaskRuntimeStopped {
			idle = append(idle, rt)
		}
	}
	if len(idle) <= minWarm {
		return nil
	}

	sortByLastActivityDesc(idle)
	cutoff := time.Now().UTC().Add(-idleTimeout)

	for i, rt := range idle {
		if i < minWarm {
			continue
		}
		if rt.LastActivityUtc.After(cutoff) {
			continue
		}
		if err := m.runtime.Stop(ctx, rt.ContainerID, false); err != nil {
			m.log.Warn("scale-down stop failed", zap.String("runtime_id", rt.RuntimeID), zap.Error(err))
			continue
		}
		if err := m.store.UpdateTaskRuntimeState(ctx, rt.ID, model.TaskRuntimeStopped); err != nil {
			return fmt.Errorf("mark runtime stopped: %w", err)
		}
		m.log.Info("scaled down idle task runtime", zap.String("runtime_id", rt.RuntimeID))
	}
	return nil
}

func sortByLastActivityDesc(runtimes []*model.TaskRuntime) {
	for i := 1; i < len(runtimes); i++ {
		for j := i; j > 0 && runtimes[j].LastActivityUtc.After(runtimes[j-1].LastActivityUtc); j-- {
			runtimes[j], runtimes[j-1] = runtimes[j-1], runtimes[j]
		}
	}
}

// EnsureTaskRuntimeImageAvailable resolves and pulls the configured image
// once at startup, ahead of any container provisioning.
func (m *Manager) EnsureTaskRuntimeImageAvailable(ctx context.Context, progress func(status string, current, total int64)) error {
	if m.cfg.Image == "" {
		return nil
	}
	if err := m.runtime.EnsureImageAvailable(ctx, m.cfg.Image, progress); err != nil {
		return apperr.TransientNetwork("pull task runtime image", err)
	}
	return nil
}

// RecoverRuntimes re-associates containers discovered by the underlying
// runtime backend with their persisted TaskRuntime rows, called once at
// startup before the dispatcher or listener begin operating.
func (m *Manager) RecoverRuntimes(ctx context.Context) (int, error) {
	recovered, err := m.runtime.Recover(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover containers: %w", err)
	}

	count := 0
	for _, rc := range recovered {
		rt, err := m.store.GetTaskRuntimeByTaskID(ctx, rc.TaskID)
		if err != nil {
			m.log.Warn("recovered container has no matching task runtime row",
				zap.String("container_id", rc.ContainerID), zap.String("task_id", rc.TaskID))
			continue
		}
		rt.ContainerID = rc.ContainerID
		rt.Endpoint = rc.Endpoint
		if rt.State == model.TaskRuntimeProvisioning || rt.State == model.TaskRuntimeStopped {
			rt.State = model.TaskRuntimeReady
		}
		if err := m.store.UpsertTaskRuntime(ctx, rt); err != nil {
			return count, fmt.Errorf("persist recovered runtime %s: %w", rt.RuntimeID, err)
		}
		count++
	}
	return count, nil
}

// ReconcileOrphanedContainers removes containers discovered by the
// underlying runtime backend that carry no corresponding TaskRuntime row,
// called by the Recovery Service after RecoverRuntimes has re-associated
// every container it could match.
func (m *Manager) ReconcileOrphanedContainers(ctx context.Context) (int, error) {
	recovered, err := m.runtime.Recover(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate containers: %w", err)
	}

	removed := 0
	for _, rc := range recovered {
		if _, err := m.store.GetTaskRuntimeByTaskID(ctx, rc.TaskID); err == nil {
			continue
		}
		if err := m.runtime.Remove(ctx, rc.ContainerID); err != nil {
			m.log.Warn("failed to remove orphaned container",
				zap.String("container_id", rc.ContainerID), zap.String("task_id", rc.TaskID), zap.Error(err))
			continue
		}
		m.log.Info("removed orphaned container with no matching task runtime row",
			zap.String("container_id", rc.ContainerID), zap.String("task_id", rc.TaskID))
		removed++
	}
	return removed, nil
}
