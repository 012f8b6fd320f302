package qos

import (
	"sync"
	"time"

	"github.com/coreweave-labs/inferunner/internal/types"
)

// RemediationConfig controls loop detection and consecutive-violation
// thresholds.
type RemediationConfig struct {
	DryRun                bool
	LoopWindow            time.Duration
	LoopMaxFires          int
	LoopCooldown          time.Duration
	WarningConsecutive    int
}

// DefaultRemediationConfig matches spec.md §4.10's suggested magnitudes.
func DefaultRemediationConfig() RemediationConfig {
	return RemediationConfig{
		LoopWindow:         time.Minute,
		LoopMaxFires:       3,
		LoopCooldown:       2 * time.Minute,
		WarningConsecutive: 3,
	}
}

// Executor is the RemediationExecutor (C10).
type Executor struct {
	cfg    RemediationConfig
	dispatch func(action types.RemediationAction) error

	mu          sync.Mutex
	fireHistory map[types.RemediationType][]time.Time
	openUntil   map[types.RemediationType]time.Time
	consecutive map[string]int // slo key -> consecutive warning-severity violations
}

// NewExecutor constructs an Executor. dispatch performs the actual side
// effect (scale, throttle, alert, restart); it is never called in dry-run
// mode.
func NewExecutor(cfg RemediationConfig, dispatch func(types.RemediationAction) error) *Executor {
	if cfg.LoopWindow <= 0 {
		cfg = DefaultRemediationConfig()
	}
	return &Executor{
		cfg: cfg, dispatch: dispatch,
		fireHistory: make(map[types.RemediationType][]time.Time),
		openUntil:   make(map[types.RemediationType]time.Time),
		consecutive: make(map[string]int),
	}
}

// Handle processes one SLO evaluation's violation/recovery edge against
// policy's remediation actions. Warning-severity violations only dispatch
// once WarningConsecutive edge-violations have accumulated for that SLO;
// critical-severity dispatches on the first.
func (ex *Executor) Handle(event EdgeEvent, eval Evaluation, policy types.QosPolicy) []error {
	key := sloKey(eval.Slo)
	if event == EdgeRecovery {
		ex.mu.Lock()
		ex.consecutive[key] = 0
		ex.mu.Unlock()
		return nil
	}

	ex.mu.Lock()
	ex.consecutive[key]++
	count := ex.consecutive[key]
	ex.mu.Unlock()

	if eval.Slo.Severity == types.SeverityWarning && count < ex.cfg.WarningConsecutive {
		return nil
	}

	var errs []error
	for _, action := range policy.Remediations {
		if err := ex.fire(action); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// fire applies loop detection (a ring-buffer of recent fire times per
// action type) before dispatching; in dry-run mode nothing is dispatched.
func (ex *Executor) fire(action types.RemediationAction) error {
	now := time.Now()

	ex.mu.Lock()
	if until, ok := ex.openUntil[action.Type]; ok && now.Before(until) {
		ex.mu.Unlock()
		return nil // circuit open: cooling down, action suppressed
	}

	history := ex.fireHistory[action.Type]
	cutoff := now.Add(-ex.cfg.LoopWindow)
	kept := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	ex.fireHistory[action.Type] = kept

	if len(kept) > ex.cfg.LoopMaxFires {
		ex.openUntil[action.Type] = now.Add(ex.cfg.LoopCooldown)
		ex.mu.Unlock()
		return nil // tripped: too many fires in the window, cool down instead
	}
	ex.mu.Unlock()

	if ex.cfg.DryRun {
		return nil
	}
	if ex.dispatch == nil {
		return nil
	}
	return ex.dispatch(action)
}
