// Package health probes every known TaskRuntime on a fixed cadence,
// combining heartbeat freshness with an RPC health check to decide
// whether it is Healthy, Degraded or Unhealthy, and applies the
// configured remediation policy when a runtime stays unhealthy.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/concurrent"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/publisher"
	"github.com/taskctl/controlplane/internal/runtimerpc"
)

// State is the Health Supervisor's own view of a runtime, distinct from
// model.TaskRuntimeState which the Lifecycle Manager owns.
type State string

const (
	Healthy     State = "HEALTHY"
	Degraded    State = "DEGRADED"
	Unhealthy   State = "UNHEALTHY"
	Recovering  State = "RECOVERING"
	Offline     State = "OFFLINE"
	Quarantined State = "QUARANTINED"
)

// Incident records a single remediation decision for the bounded ring
// buffer exposed to operators.
type Incident struct {
	ID           string    `json:"id"`
	TimestampUtc time.Time `json:"timestampUtc"`
	RuntimeID    string    `json:"runtimeId"`
	Status       State     `json:"status"`
	Reason       string    `json:"reason"`
	Action       string    `json:"action"`
	Success      bool      `json:"success"`
	Message      string    `json:"message"`
}

// runtimeDriver is the subset of *lifecycle.Manager the supervisor needs.
// Declared locally so tests can substitute a fake without constructing a
// real Manager and its container runtime dependency.
type runtimeDriver interface {
	ListTaskRuntimes(ctx context.Context) ([]*model.TaskRuntime, error)
	RestartTaskRuntime(ctx context.Context, id string) error
	RecycleTaskRuntime(ctx context.Context, id string) error
	SetTaskRuntimeDraining(ctx context.Context, id string, draining bool) error
	QuarantineTaskRuntime(ctx context.Context, id string) error
}

type trackedRuntime struct {
	state                  State
	consecutiveFailures    int
	restartAttempts        int
	lastRemediationAttempt time.Time
	lastSeen               time.Time
}

// Supervisor is the Health Supervisor: it owns no durable state of its
// own beyond the in-memory tracked map and the incident ring buffer,
// deferring all TaskRuntime mutation to the Lifecycle Manager.
type Supervisor struct {
	manager runtimeDriver
	pool    *runtimerpc.Pool
	pub     publisher.Publisher
	cfg     config.HealthConfig
	log     *logger.Logger

	incidents *concurrent.RingBuffer[Incident]

	mu      sync.Mutex
	tracked map[string]*trackedRuntime
	seq     int64

	readinessMu       sync.Mutex
	readinessBadSince time.Time
	readinessBlocked  bool
}

// New creates a Supervisor. manager must implement the runtimeDriver
// subset of *lifecycle.Manager's API.
func New(manager runtimeDriver, pool *runtimerpc.Pool, pub publisher.Publisher, cfg config.HealthConfig, log *logger.Logger) *Supervisor {
	if cfg.ProbeIntervalSeconds <= 0 {
		cfg.ProbeIntervalSeconds = 15
	}
	if cfg.IncidentBufferSize <= 0 {
		cfg.IncidentBufferSize = 200
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.HeartbeatStaleAfterSeconds <= 0 {
		cfg.HeartbeatStaleAfterSeconds = 30
	}
	if cfg.RestartLimit < 0 {
		cfg.RestartLimit = 3
	}
	if cfg.RemediationCooldownSeconds <= 0 {
		cfg.RemediationCooldownSeconds = 60
	}
	if cfg.ReadinessDegradeSeconds < 0 {
		cfg.ReadinessDegradeSeconds = 30
	}
	if cfg.ReadinessBadRatio <= 0 {
		cfg.ReadinessBadRatio = 0.5
	}
	return &Supervisor{
		manager:   manager,
		pool:      pool,
		pub:       pub,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "health-supervisor")),
		incidents: concurrent.NewRingBuffer[Incident](cfg.IncidentBufferSize),
		tracked:   make(map[string]*trackedRuntime),
	}
}

// Incidents returns the most recent incidents, oldest first.
func (s *Supervisor) Incidents() []Incident {
	return s.incidents.Snapshot()
}

// Run drives the probe cycle until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.ProbeIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeAll(ctx)
		}
	}
}

func (s *Supervisor) probeAll(ctx context.Context) {
	runtimes, err := s.manager.ListTaskRuntimes(ctx)
	if err != nil {
		s.log.Warn("list task runtimes failed", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(runtimes))
	for _, rt := range runtimes {
		seen[rt.RuntimeID] = true
		s.probeOne(ctx, rt)
	}
	s.pruneStale(seen)
	s.updateReadiness(ctx, runtimes)
}

func (s *Supervisor) probeOne(ctx context.Context, rt *model.TaskRuntime) {
	heartbeatOK := s.heartbeatHealthy(rt)
	probeOK := s.probeHealthy(ctx, rt)

	s.mu.Lock()
	tr, ok := s.tracked[rt.RuntimeID]
	if !ok {
		tr = &trackedRuntime{state: Healthy}
		s.tracked[rt.RuntimeID] = tr
	}
	tr.lastSeen = time.Now().UTC()

	prev := tr.state
	switch {
	case rt.State == model.TaskRuntimeQuarantined:
		tr.state = Quarantined
	case heartbeatOK && probeOK:
		tr.state = Healthy
		tr.consecutiveFailures = 0
		tr.restartAttempts = 0
	default:
		tr.consecutiveFailures++
		if !heartbeatOK {
			tr.state = Offline
		} else if tr.consecutiveFailures >= s.cfg.UnhealthyThreshold {
			tr.state = Unhealthy
		} else {
			tr.state = Degraded
		}
	}
	next := tr.state
	failures := tr.consecutiveFailures
	s.mu.Unlock()

	if next == prev {
		return
	}
	s.log.Info("runtime health transition",
		zap.String("runtime_id", rt.RuntimeID), zap.String("from", string(prev)), zap.String("to", string(next)),
		zap.Int("consecutive_failures", failures))

	if next == Unhealthy || next == Offline {
		s.remediate(ctx, rt, next)
	}
}

func (s *Supervisor) heartbeatHealthy(rt *model.TaskRuntime) bool {
	if rt.State == model.TaskRuntimeStopped || rt.State == model.TaskRuntimeQuarantined {
		return false
	}
	if rt.LastActivityUtc.IsZero() {
		return true
	}
	staleAfter := time.Duration(s.cfg.HeartbeatStaleAfterSeconds) * time.Second
	return time.Since(rt.LastActivityUtc) <= staleAfter
}

func (s *Supervisor) probeHealthy(ctx context.Context, rt *model.TaskRuntime) bool {
	if rt.Endpoint == "" {
		return false
	}
	client, err := s.pool.Get(rt.Endpoint)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	result, err := client.CheckHealth(probeCtx)
	if err != nil {
		s.pool.Drop(rt.Endpoint)
		return false
	}
	return result.Success
}

// remediate applies the remediation policy for a runtime that has just
// transitioned into Unhealthy or Offline, subject to the remediation
// cooldown so a flapping runtime is not hammered with restarts.
func (s *Supervisor) remediate(ctx context.Context, rt *model.TaskRuntime, reason State) {
	s.mu.Lock()
	tr := s.tracked[rt.RuntimeID]
	cooldown := time.Duration(s.cfg.RemediationCooldownSeconds) * time.Second
	if !tr.lastRemediationAttempt.IsZero() && time.Since(tr.lastRemediationAttempt) < cooldown {
		s.mu.Unlock()
		return
	}
	tr.lastRemediationAttempt = time.Now().UTC()
	restartAttempts := tr.restartAttempts
	s.mu.Unlock()

	action, err := s.applyRemediation(ctx, rt, restartAttempts)

	s.mu.Lock()
	switch {
	case err != nil:
		// leave state as-is; the next probe cycle will re-evaluate.
	case action == "restart":
		tr.restartAttempts++
	case action == "recreate":
		tr.restartAttempts = 0
		tr.state = Recovering
	case action == "quarantine":
		tr.state = Quarantined
	default:
		tr.state = Recovering
	}
	s.mu.Unlock()

	s.recordIncident(ctx, rt.RuntimeID, reason, action, err)
}

func (s *Supervisor) applyRemediation(ctx context.Context, rt *model.TaskRuntime, restartAttempts int) (string, error) {
	if restartAttempts < s.cfg.RestartLimit {
		return "restart", s.manager.RestartTaskRuntime(ctx, rt.ID)
	}
	switch s.cfg.UnhealthyAction {
	case "recreate":
		return "recreate", s.manager.RecycleTaskRuntime(ctx, rt.ID)
	case "quarantine":
		return "quarantine", s.manager.QuarantineTaskRuntime(ctx, rt.ID)
	default:
		return "restart", s.manager.RestartTaskRuntime(ctx, rt.ID)
	}
}

func (s *Supervisor) recordIncident(ctx context.Context, runtimeID string, reason State, action string, remErr error) {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("incident-%d", s.seq)
	s.mu.Unlock()

	success := remErr == nil
	message := "remediation succeeded"
	severity := publisher.SeveritySuccess
	if !success {
		message = remErr.Error()
		severity = publisher.SeverityError
	} else if reason == Degraded {
		severity = publisher.SeverityWarning
	}

	incident := Incident{
		ID:           id,
		TimestampUtc: time.Now().UTC(),
		RuntimeID:    runtimeID,
		Status:       reason,
		Reason:       string(reason),
		Action:       action,
		Success:      success,
		Message:      message,
	}
	s.incidents.Push(incident)

	if err := s.pub.PublishIncident(ctx, publisher.IncidentData{
		RuntimeID: runtimeID,
		Status:    string(reason),
		Reason:    string(reason),
		Action:    action,
		Success:   success,
		Message:   message,
		Severity:  severity,
	}); err != nil {
		s.log.Warn("publish incident failed", zap.Error(err), zap.String("runtime_id", runtimeID))
	}
}

// pruneStale drops tracked runtimes that have been missing from the
// directory for more than 30 minutes, so restarted controlplane
// instances don't accumulate stale in-memory state for runtimes long
// since removed.
func (s *Supervisor) pruneStale(seen map[string]bool) {
	const retention = 30 * time.Minute
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tr := range s.tracked {
		if seen[id] {
			continue
		}
		if now.Sub(tr.lastSeen) > retention {
			delete(s.tracked, id)
		}
	}
}

// updateReadiness aggregates the unhealthy/offline/quarantined ratio
// across all known runtimes and publishes a readiness change once the
// ratio has held for ReadinessDegradeSeconds continuously.
func (s *Supervisor) updateReadiness(ctx context.Context, runtimes []*model.TaskRuntime) {
	if len(runtimes) == 0 {
		return
	}

	s.mu.Lock()
	bad := 0
	for _, rt := range runtimes {
		tr, ok := s.tracked[rt.RuntimeID]
		if ok && (tr.state == Unhealthy || tr.state == Offline || tr.state == Quarantined) {
			bad++
		}
	}
	ratio := float64(bad) / float64(len(runtimes))
	s.mu.Unlock()

	degraded := ratio >= s.cfg.ReadinessBadRatio

	s.readinessMu.Lock()
	defer s.readinessMu.Unlock()

	if !degraded {
		if s.readinessBlocked {
			s.readinessBlocked = false
			s.readinessBadSince = time.Time{}
			_ = s.pub.PublishReadinessChanged(ctx, publisher.ReadinessChangedData{Blocked: false})
		}
		return
	}

	if s.readinessBadSince.IsZero() {
		s.readinessBadSince = time.Now().UTC()
		return
	}
	if s.readinessBlocked {
		return
	}
	if time.Since(s.readinessBadSince) >= time.Duration(s.cfg.ReadinessDegradeSeconds)*time.Second {
		s.readinessBlocked = true
		_ = s.pub.PublishReadinessChanged(ctx, publisher.ReadinessChangedData{Blocked: true})
	}
}
