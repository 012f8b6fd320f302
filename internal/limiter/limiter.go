// Package limiter implements the Tier/Concurrency Limiter + Auto-Tuner (C6).
//
// Each model-size tier gets an independent concurrency cap enforced with a
// buffered-channel semaphore; health samples drive an adaptive tuner that
// nudges the cap up or down, the way internal/ratelimit's adaptive
// per-domain state drove fill rate in the scraping engine this module is
// descended from, generalized here from per-domain HTTP fill rate to
// per-tier model concurrency.
package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Tier is a coarse bucket of model size driving concurrency caps.
type Tier string

const (
	Tier30BPlus Tier = "30B+"
	Tier13to27B Tier = "13-27B"
	Tier7to13B  Tier = "7-13B"
	Tier3to7B   Tier = "3-7B"
	TierUnder3B Tier = "<3B"
)

// TierConfig is the per-tier admission configuration.
type TierConfig struct {
	MaxConcurrent  int
	QueueDepth     int
	QueueTimeoutMs int64
}

// Config is the Tier Limiter's full configuration.
type Config struct {
	Tiers map[Tier]TierConfig

	// AutoTune enables the health-sample-driven adjustment loop.
	AutoTune bool
	// MinConcurrent/MaxConcurrent bound auto-tuned adjustments per tier.
	MinConcurrent int
	MaxConcurrentCap int
}

// DefaultConfig returns conservative per-tier defaults.
func DefaultConfig() Config {
	return Config{
		Tiers: map[Tier]TierConfig{
			Tier30BPlus: {MaxConcurrent: 1, QueueDepth: 4, QueueTimeoutMs: 30_000},
			Tier13to27B: {MaxConcurrent: 2, QueueDepth: 8, QueueTimeoutMs: 20_000},
			Tier7to13B:  {MaxConcurrent: 4, QueueDepth: 16, QueueTimeoutMs: 10_000},
			Tier3to7B:   {MaxConcurrent: 8, QueueDepth: 32, QueueTimeoutMs: 5_000},
			TierUnder3B: {MaxConcurrent: 16, QueueDepth: 64, QueueTimeoutMs: 5_000},
		},
		AutoTune:         true,
		MinConcurrent:    1,
		MaxConcurrentCap: 64,
	}
}

// HealthSample is a periodic measurement fed to the auto-tuner for a tier.
type HealthSample struct {
	SuccessRate    float64
	AvgLatency     time.Duration
	P95Latency     time.Duration
	MemoryPressure float64
	RecentCrashes  int
}

// ErrQueueTimeout is returned when Acquire could not admit within the
// tier's configured queue timeout.
var ErrQueueTimeout = errors.New("limiter: queue timeout exceeded")

// Permit must be released exactly once to free the tier's concurrency slot.
type Permit interface{ Release() }

type noopPermit struct{}

func (noopPermit) Release() {}

type tierState struct {
	mu       sync.Mutex
	cfg      TierConfig
	sem      chan struct{}
	waiting  int
}

// Limiter admits generation requests against per-tier concurrency caps and
// adapts those caps from observed health samples. Each tuning decision is
// recorded in an in-memory learned-profile cache keyed by tier; profiles
// are not keyed by hardware, not persisted, and not invalidated when the
// hardware changes.
type Limiter struct {
	cfg   Config
	mu    sync.RWMutex
	state map[Tier]*tierState

	profiles *lru.Cache[string, learnedProfile]
}

type learnedProfile struct {
	Tier          Tier
	MaxConcurrent int
	UpdatedAt     time.Time
}

// New constructs a Limiter from cfg, using DefaultConfig() when cfg.Tiers
// is nil.
func New(cfg Config) (*Limiter, error) {
	if cfg.Tiers == nil {
		cfg = DefaultConfig()
	}
	profiles, err := lru.New[string, learnedProfile](256)
	if err != nil {
		return nil, err
	}
	l := &Limiter{cfg: cfg, state: make(map[Tier]*tierState), profiles: profiles}
	for tier, tc := range cfg.Tiers {
		l.state[tier] = &tierState{cfg: tc, sem: make(chan struct{}, max(tc.MaxConcurrent, 1))}
	}
	return l, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Acquire blocks until a concurrency slot for tier is available, ctx is
// cancelled, or the tier's queue timeout elapses, whichever comes first.
func (l *Limiter) Acquire(ctx context.Context, tier Tier) (Permit, error) {
	l.mu.RLock()
	st, ok := l.state[tier]
	l.mu.RUnlock()
	if !ok {
		return noopPermit{}, nil
	}
	st.mu.Lock()
	st.waiting++
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.waiting--
		st.mu.Unlock()
	}()

	timeout := time.Duration(st.cfg.QueueTimeoutMs) * time.Millisecond
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case st.sem <- struct{}{}:
		return &tierPermit{sem: st.sem}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeoutCh:
		return nil, ErrQueueTimeout
	}
}

// TryAcquire attempts to admit into tier without blocking, reporting false
// when the tier is currently saturated. Callers use this to detect
// saturation so a higher-priority request can preempt a lower-priority one
// still waiting for its turn, per the Priority Scheduler's "preempt at
// admission time" design.
func (l *Limiter) TryAcquire(tier Tier) (Permit, bool) {
	l.mu.RLock()
	st, ok := l.state[tier]
	l.mu.RUnlock()
	if !ok {
		return noopPermit{}, true
	}
	select {
	case st.sem <- struct{}{}:
		return &tierPermit{sem: st.sem}, true
	default:
		return nil, false
	}
}

type tierPermit struct {
	sem      chan struct{}
	released sync.Once
}

func (p *tierPermit) Release() {
	p.released.Do(func() { <-p.sem })
}

// ApplyHealthSample feeds a measurement to the auto-tuner, which may resize
// the tier's concurrency semaphore. No-op when AutoTune is disabled.
func (l *Limiter) ApplyHealthSample(tier Tier, s HealthSample) {
	if !l.cfg.AutoTune {
		return
	}
	l.mu.Lock()
	st, ok := l.state[tier]
	l.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	current := cap(st.sem)
	next := current

	switch {
	case s.RecentCrashes > 0 || s.MemoryPressure > 0.9 || s.SuccessRate < 0.9 || s.P95Latency > 5*time.Second:
		next = current - (current*3)/10 // -30%
	case s.SuccessRate > 0.98 && s.RecentCrashes == 0 && s.P95Latency < time.Second:
		next = current + (current*2)/10 // +20%
	}
	if next < l.cfg.MinConcurrent {
		next = l.cfg.MinConcurrent
	}
	if l.cfg.MaxConcurrentCap > 0 && next > l.cfg.MaxConcurrentCap {
		next = l.cfg.MaxConcurrentCap
	}
	if next == current || next <= 0 {
		return
	}
	st.sem = resizeSemaphore(st.sem, next)
	l.profiles.Add(string(tier), learnedProfile{Tier: tier, MaxConcurrent: next, UpdatedAt: time.Now()})
}

// resizeSemaphore creates a new buffered channel of the target size,
// preserving in-flight permits by leaving their Release targeting the old
// channel (they simply drain it harmlessly once returned).
func resizeSemaphore(old chan struct{}, size int) chan struct{} {
	next := make(chan struct{}, size)
	inFlight := len(old)
	for i := 0; i < inFlight && i < size; i++ {
		next <- struct{}{}
	}
	return next
}

// LearnedProfile returns the cached tuning decision for tier, if any.
func (l *Limiter) LearnedProfile(tier Tier) (learnedProfile, bool) {
	return l.profiles.Get(string(tier))
}

// TierSnapshot reports current occupancy for one tier.
type TierSnapshot struct {
	Tier          Tier
	MaxConcurrent int
	InUse         int
	Waiting       int
}

// Snapshot reports current occupancy across all configured tiers.
func (l *Limiter) Snapshot() []TierSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TierSnapshot, 0, len(l.state))
	for tier, st := range l.state {
		st.mu.Lock()
		out = append(out, TierSnapshot{Tier: tier, MaxConcurrent: cap(st.sem), InUse: len(st.sem), Waiting: st.waiting})
		st.mu.Unlock()
	}
	return out
}

// TokenBucket exposes a simple rate.Limiter wrapper used by the
// Multiplexer's flush pacing, which needs plain rate limiting rather than
// tiered admission.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket constructs a token bucket allowing burst immediate tokens
// and refilling at ratePerSecond.
func NewTokenBucket(ratePerSecond float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
