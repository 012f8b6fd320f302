package canary

import (
	"sync"
	"time"

	"github.com/coreweave-labs/inferunner/internal/types"
)

// AdvanceConfig gates automatic stage advancement.
type AdvanceConfig struct {
	MinRequestsPerStage int
	MinStageDuration    time.Duration
	HealthCheckInterval time.Duration
	AutoAdvance         bool
}

// DefaultAdvanceConfig matches spec.md §4.11's suggested magnitudes.
func DefaultAdvanceConfig() AdvanceConfig {
	return AdvanceConfig{MinRequestsPerStage: 50, MinStageDuration: 5 * time.Minute, HealthCheckInterval: 30 * time.Second, AutoAdvance: false}
}

var stageOrder = []types.CanaryStage{types.StageOff, types.Stage10, types.Stage25, types.Stage50, types.Stage100}

func advanceStage(current types.CanaryStage) types.CanaryStage {
	for i, s := range stageOrder {
		if s == current && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return current
}

// TransitionFunc is notified of every stage transition.
type TransitionFunc func(types.StageTransition)

// Manager orchestrates the canary rollout: health checks, stage
// advancement/rollback, and manual overrides.
type Manager struct {
	cfg      AdvanceConfig
	collector *MetricsCollector
	rollback *RollbackController
	onTransition TransitionFunc

	mu          sync.Mutex
	state       types.CanaryDeployment
	rollingBack bool
}

// NewManager constructs a Manager starting at the given stage.
func NewManager(cfg AdvanceConfig, collector *MetricsCollector, rollback *RollbackController, onTransition TransitionFunc, startStage types.CanaryStage) *Manager {
	if cfg.MinStageDuration <= 0 {
		cfg = DefaultAdvanceConfig()
	}
	if onTransition == nil {
		onTransition = func(types.StageTransition) {}
	}
	return &Manager{
		cfg: cfg, collector: collector, rollback: rollback, onTransition: onTransition,
		state: types.CanaryDeployment{Stage: startStage, StageStartTime: time.Now()},
	}
}

// Snapshot returns the current deployment state.
func (m *Manager) Snapshot() types.CanaryDeployment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CheckHealth runs one health-check tick: evaluates rollback triggers
// first, then — in auto mode — advances the stage when canAdvance holds.
func (m *Manager) CheckHealth(now time.Time) {
	baseline := m.collector.Snapshot(VariantBaseline)
	canaryMetrics := m.collector.Snapshot(VariantCanary)

	m.mu.Lock()
	stage := m.state.Stage
	rollingBack := m.rollingBack
	m.mu.Unlock()

	if stage != types.StageOff {
		if trip, reason := m.rollback.ShouldRollback(baseline, canaryMetrics); trip {
			next := NextStage(stage)
			m.transitionTo(next, types.TransitionRollback, reason, now)
			m.rollback.MarkRolledBack(now)
			m.setRollingBack(next != types.StageOff)
			return
		}
		if rollingBack && m.rollback.ReadyForNextStep(now) {
			next := NextStage(stage)
			m.transitionTo(next, types.TransitionRollback, "continuing gradual rollback", now)
			m.rollback.MarkStep(now)
			m.setRollingBack(next != types.StageOff)
			return
		}
	}

	m.mu.Lock()
	m.state.LastHealthCheck = now
	autoAdvance := m.cfg.AutoAdvance
	m.mu.Unlock()

	if !autoAdvance {
		return
	}
	if m.canAdvance(now, canaryMetrics) {
		m.setRollingBack(false)
		m.transitionTo(advanceStage(stage), types.TransitionAdvance, "health checks passing, advancing rollout", now)
	}
}

func (m *Manager) canAdvance(now time.Time, canaryMetrics Snapshot) bool {
	m.mu.Lock()
	elapsed := now.Sub(m.state.StageStartTime)
	stage := m.state.Stage
	cfg := m.cfg
	m.mu.Unlock()

	if stage == types.Stage100 {
		return false
	}
	if elapsed < cfg.MinStageDuration {
		return false
	}
	if canaryMetrics.Count < cfg.MinRequestsPerStage {
		return false
	}
	return true
}

func (m *Manager) setRollingBack(v bool) {
	m.mu.Lock()
	m.rollingBack = v
	m.mu.Unlock()
}

// UpdateAdvanceConfig swaps in a new stage-advancement configuration, used
// by the policy file watcher to hot-reload canary advance thresholds.
func (m *Manager) UpdateAdvanceConfig(cfg AdvanceConfig) {
	if cfg.MinStageDuration <= 0 {
		cfg = DefaultAdvanceConfig()
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// ManualTransition forces a stage change outside the automatic loop.
func (m *Manager) ManualTransition(to types.CanaryStage, reason string, now time.Time) {
	m.setRollingBack(false)
	m.transitionTo(to, types.TransitionManual, reason, now)
}

func (m *Manager) transitionTo(to types.CanaryStage, kind types.StageTransitionType, reason string, now time.Time) {
	m.mu.Lock()
	from := m.state.Stage
	if from == to {
		m.mu.Unlock()
		return
	}
	transition := types.StageTransition{From: from, To: to, Type: kind, Reason: reason, At: now}
	m.state.Stage = to
	m.state.StageStartTime = now
	m.state.Transitions = append(m.state.Transitions, transition)
	if kind == types.TransitionRollback {
		m.state.LastRollbackAt = now
	}
	m.mu.Unlock()

	m.onTransition(transition)
}
