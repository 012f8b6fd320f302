package canary

import (
	"sync"
	"time"

	"github.com/coreweave-labs/inferunner/internal/types"
)

// RollbackConfig controls trigger thresholds, gradual rollback stepping,
// and anti-flap cooldown.
type RollbackConfig struct {
	ErrorRateMultiplier  float64
	ErrorRateFloor       float64
	LatencyMultiplier    float64
	MemoryGrowthMBPerHour float64
	RollbackCooldown     time.Duration
	StepDuration         time.Duration
}

// DefaultRollbackConfig matches spec.md §4.11's default trigger set.
func DefaultRollbackConfig() RollbackConfig {
	return RollbackConfig{
		ErrorRateMultiplier:   2.0,
		ErrorRateFloor:        0.01,
		LatencyMultiplier:     1.5,
		MemoryGrowthMBPerHour: 500,
		RollbackCooldown:      10 * time.Minute,
		StepDuration:          time.Minute,
	}
}

// RollbackController evaluates baseline/canary snapshots against the
// default trigger set and produces a gradual rollback path when tripped.
type RollbackController struct {
	mu           sync.Mutex
	cfg          RollbackConfig
	lastRollback time.Time
	lastStep     time.Time
}

// NewRollbackController constructs a RollbackController.
func NewRollbackController(cfg RollbackConfig) *RollbackController {
	if cfg.RollbackCooldown <= 0 {
		cfg = DefaultRollbackConfig()
	}
	return &RollbackController{cfg: cfg}
}

// ShouldRollback reports whether canary's snapshot trips a trigger
// relative to baseline, honoring the cooldown since the last rollback.
func (r *RollbackController) ShouldRollback(baseline, canary Snapshot) (bool, string) {
	r.mu.Lock()
	cfg := r.cfg
	lastRollback := r.lastRollback
	r.mu.Unlock()

	if !lastRollback.IsZero() && time.Since(lastRollback) < cfg.RollbackCooldown {
		return false, ""
	}
	if canary.ErrorRate > baseline.ErrorRate*cfg.ErrorRateMultiplier && canary.ErrorRate > cfg.ErrorRateFloor {
		return true, "canary error rate exceeds baseline threshold"
	}
	if baseline.P95LatencyMs > 0 && canary.P95LatencyMs > baseline.P95LatencyMs*cfg.LatencyMultiplier {
		return true, "canary p95 latency exceeds baseline threshold"
	}
	if canary.MemoryGrowthMBPerHour > cfg.MemoryGrowthMBPerHour {
		return true, "canary memory growth exceeds threshold"
	}
	if canary.CrashDelta > baseline.CrashDelta {
		return true, "canary crash count increased"
	}
	return false, ""
}

// NextStage computes the next step of a gradual rollback path:
// 100% -> 50% -> 25% -> 0%, per spec.md §4.11.
func NextStage(current types.CanaryStage) types.CanaryStage {
	switch current {
	case types.Stage100:
		return types.Stage50
	case types.Stage50:
		return types.Stage25
	default:
		return types.StageOff
	}
}

// MarkRolledBack records the time of a rollback for cooldown purposes.
func (r *RollbackController) MarkRolledBack(at time.Time) {
	r.mu.Lock()
	r.lastRollback = at
	r.lastStep = at
	r.mu.Unlock()
}

// ReadyForNextStep reports whether StepDuration has elapsed since the last
// rollback step, pacing a gradual rollback (100% -> 50% -> 25% -> 0%)
// instead of collapsing it into one jump.
func (r *RollbackController) ReadyForNextStep(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStep.IsZero() || now.Sub(r.lastStep) >= r.cfg.StepDuration
}

// MarkStep records the time of an individual rollback step.
func (r *RollbackController) MarkStep(at time.Time) {
	r.mu.Lock()
	r.lastStep = at
	r.mu.Unlock()
}

// UpdateConfig swaps in a new trigger/stepping configuration, used by the
// policy file watcher to hot-reload canary rollback thresholds without
// reconstructing the Manager.
func (r *RollbackController) UpdateConfig(cfg RollbackConfig) {
	if cfg.RollbackCooldown <= 0 {
		cfg = DefaultRollbackConfig()
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}
