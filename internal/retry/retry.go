// Package retry implements the Retry Policy (C9): exponential backoff with
// jitter over a classified set of retryable error kinds, built on
// cenkalti/backoff the way the rest of the pack builds retry loops rather
// than hand-rolling the backoff arithmetic.
package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coreweave-labs/inferunner/internal/errs"
)

// Config controls the backoff schedule and which error kinds are retried.
type Config struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BackoffMultiplier float64
	Jitter           float64 // fraction in [0,1]
	RetryableKinds   []errs.Kind
}

// DefaultConfig matches the formula in spec.md §4.1/§4.9.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		RetryableKinds:    []errs.Kind{errs.KindTimeout, errs.KindTransport},
	}
}

// Stats are cumulative counters across every Do call on a Policy.
type Stats struct {
	TotalOperations int64
	Successful      int64
	Failed          int64
	RetriesByAttempt map[int]int64
	TotalRetries     int64
}

// SuccessRate returns Successful/TotalOperations, or 0 if none have run.
func (s Stats) SuccessRate() float64 {
	if s.TotalOperations == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.TotalOperations)
}

// AverageRetries returns TotalRetries/TotalOperations, or 0 if none have run.
func (s Stats) AverageRetries() float64 {
	if s.TotalOperations == 0 {
		return 0
	}
	return float64(s.TotalRetries) / float64(s.TotalOperations)
}

// Policy is a reusable retry policy. Safe only for idempotent operations;
// callers are responsible for marking non-idempotent methods non-retryable
// by never invoking Do for them.
type Policy struct {
	cfg Config

	mu               sync.Mutex
	totalOps         int64
	successful       int64
	failed           int64
	totalRetries     int64
	retriesByAttempt map[int]int64
}

// New constructs a Policy from cfg.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Policy{cfg: cfg, retriesByAttempt: make(map[int]int64)}
}

func (p *Policy) retryable(err error) bool {
	kind := errs.KindOf(err)
	for _, k := range p.cfg.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (p *Policy) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialDelay
	eb.MaxInterval = p.cfg.MaxDelay
	eb.Multiplier = p.cfg.BackoffMultiplier
	eb.RandomizationFactor = p.cfg.Jitter
	eb.MaxElapsedTime = 0 // bounded by MaxAttempts instead of elapsed wall time
	return backoff.WithMaxRetries(eb, uint64(p.cfg.MaxAttempts-1))
}

// Do executes fn, retrying per the policy's backoff schedule while fn
// returns a retryable error and attempts remain. attempts include the
// first call. Stops immediately on a non-retryable error or ctx
// cancellation.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	atomic.AddInt64(&p.totalOps, 1)
	bo := backoff.WithContext(p.newBackOff(), ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		ferr := fn(ctx, attempt)
		if ferr == nil {
			return nil
		}
		if !p.retryable(ferr) {
			return backoff.Permanent(ferr)
		}
		p.mu.Lock()
		p.totalRetries++
		p.retriesByAttempt[attempt]++
		p.mu.Unlock()
		return ferr
	}, bo)

	p.mu.Lock()
	if err == nil {
		p.successful++
	} else {
		p.failed++
	}
	p.mu.Unlock()

	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
	}
	return err
}

// Stats returns a snapshot of cumulative counters.
func (p *Policy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	byAttempt := make(map[int]int64, len(p.retriesByAttempt))
	for k, v := range p.retriesByAttempt {
		byAttempt[k] = v
	}
	return Stats{
		TotalOperations:  p.totalOps,
		Successful:       p.successful,
		Failed:           p.failed,
		RetriesByAttempt: byAttempt,
		TotalRetries:     p.totalRetries,
	}
}
