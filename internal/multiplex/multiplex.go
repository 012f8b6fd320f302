// Package multiplex implements the Request Multiplexer/Batcher (C2):
// coalesces concurrent small per-method calls (tokenize, check-draft) into
// a single batched dispatch, flushing on size or time, whichever first.
//
// Grounded on internal/pipeline's staged worker loop: a background
// goroutine per method owns a flush timer and a pending slice, the same
// shape as the teacher's per-stage channel consumer loop, generalized from
// "drain a work channel into pipeline stages" to "drain pending entries
// into one batched call".
package multiplex

import (
	"context"
	"sync"
	"time"

	"github.com/coreweave-labs/inferunner/internal/limiter"
)

// Entry is one caller's pending request for a given method.
type entry struct {
	params   any
	resultCh chan Result
}

// Result is one entry's outcome within a dispatched batch.
type Result struct {
	Success bool
	Value   any
	Err     error
}

// BatchFunc dispatches a batch of params (in submission order) and returns
// one Result per entry, in the same order. A transport-level failure
// (BatchFunc itself returning an error) fails every entry in the batch
// with that error; per-entry failures are instead reflected via Result.Err
// for just that entry.
type BatchFunc func(ctx context.Context, params []any) ([]Result, error)

// Config controls batch formation.
type Config struct {
	MaxBatchSize    int
	FlushInterval   time.Duration
	Disabled        bool

	// FlushRatePerSecond, when positive, paces outbound batch dispatches
	// through a token bucket (FlushBurst tokens, refilling at this rate)
	// instead of firing every flush the instant it forms, protecting the
	// Worker Runtime's RPC path from a thundering herd of small batches.
	FlushRatePerSecond float64
	FlushBurst         int
}

// DefaultConfig matches spec.md §4.2's suggested magnitudes.
func DefaultConfig() Config {
	return Config{MaxBatchSize: 8, FlushInterval: 5 * time.Millisecond}
}

// Stats are cumulative batching counters.
type Stats struct {
	BatchesDispatched int64
	RequestsBatched   int64
	SoloRequests      int64
}

// AverageBatchSize returns RequestsBatched/BatchesDispatched, or 0.
func (s Stats) AverageBatchSize() float64 {
	if s.BatchesDispatched == 0 {
		return 0
	}
	return float64(s.RequestsBatched) / float64(s.BatchesDispatched)
}

type methodQueue struct {
	mu      sync.Mutex
	pending []entry
	timer   *time.Timer
}

// Multiplexer batches calls per method.
type Multiplexer struct {
	cfg     Config
	dispatch BatchFunc
	pacer   *limiter.TokenBucket

	mu     sync.Mutex
	queues map[string]*methodQueue

	statsMu sync.Mutex
	stats   Stats

	closed chan struct{}
	once   sync.Once
}

// New constructs a Multiplexer that dispatches flushed batches via fn.
func New(cfg Config, fn BatchFunc) *Multiplexer {
	if cfg.MaxBatchSize <= 0 {
		cfg = DefaultConfig()
	}
	m := &Multiplexer{cfg: cfg, dispatch: fn, queues: make(map[string]*methodQueue), closed: make(chan struct{})}
	if cfg.FlushRatePerSecond > 0 {
		burst := cfg.FlushBurst
		if burst <= 0 {
			burst = 1
		}
		m.pacer = limiter.NewTokenBucket(cfg.FlushRatePerSecond, burst)
	}
	return m
}

// Call enqueues one request for method and blocks until its batch (or
// solo call, if Disabled) is dispatched and this entry's Result is ready.
func (m *Multiplexer) Call(ctx context.Context, method string, params any) (any, error) {
	if m.cfg.Disabled {
		m.statsMu.Lock()
		m.stats.BatchesDispatched++
		m.stats.RequestsBatched++
		m.stats.SoloRequests++
		m.statsMu.Unlock()
		results, err := m.dispatch(ctx, []any{params})
		if err != nil {
			return nil, err
		}
		r := results[0]
		return r.Value, r.Err
	}

	q := m.queueFor(method)
	e := entry{params: params, resultCh: make(chan Result, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, e)
	shouldFlushNow := len(q.pending) >= m.cfg.MaxBatchSize
	if len(q.pending) == 1 && !shouldFlushNow {
		q.timer = time.AfterFunc(m.cfg.FlushInterval, func() { m.flush(ctx, method) })
	}
	q.mu.Unlock()

	if shouldFlushNow {
		m.flush(ctx, method)
	}

	select {
	case r := <-e.resultCh:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Multiplexer) queueFor(method string) *methodQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[method]
	if !ok {
		q = &methodQueue{}
		m.queues[method] = q
	}
	return q
}

func (m *Multiplexer) flush(ctx context.Context, method string) {
	q := m.queueFor(method)
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	params := make([]any, len(batch))
	for i, e := range batch {
		params[i] = e.params
	}

	m.statsMu.Lock()
	m.stats.BatchesDispatched++
	m.stats.RequestsBatched += int64(len(batch))
	if len(batch) == 1 {
		m.stats.SoloRequests++
	}
	m.statsMu.Unlock()

	if m.pacer != nil {
		if err := m.pacer.Wait(ctx); err != nil {
			for _, e := range batch {
				e.resultCh <- Result{Success: false, Err: err}
			}
			return
		}
	}

	results, err := m.dispatch(ctx, params)
	if err != nil {
		for _, e := range batch {
			e.resultCh <- Result{Success: false, Err: err}
		}
		return
	}
	for i, e := range batch {
		if i < len(results) {
			e.resultCh <- results[i]
		} else {
			e.resultCh <- Result{Success: false, Err: ctx.Err()}
		}
	}
}

// Stats returns a snapshot of cumulative batching counters.
func (m *Multiplexer) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// Close stops pending flush timers. Safe to call multiple times.
func (m *Multiplexer) Close() {
	m.once.Do(func() {
		close(m.closed)
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, q := range m.queues {
			q.mu.Lock()
			if q.timer != nil {
				q.timer.Stop()
			}
			q.mu.Unlock()
		}
	})
}
