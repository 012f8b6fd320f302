// Package admission implements the Request Queue / Admission gate (C8): a
// FIFO bounded by maxConcurrent, with per-request timeout, drain, and
// pending-only cancellation.
//
// Grounded on internal/pipeline/pipeline.go's bounded worker-slot
// dispatch (a buffered channel of slots gates concurrency while a FIFO
// holds backlog), generalized from a fixed pipeline stage to an arbitrary
// execute(fn) future per spec.md §4.8.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreweave-labs/inferunner/internal/errs"
)

// Config bounds concurrency. MaxConcurrent <= 0 means unbounded.
type Config struct {
	MaxConcurrent int
}

// Func is the unit of work admitted through the queue.
type Func func(ctx context.Context) (any, error)

// Future is the result of one admitted call.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) settle(result any, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future settles or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pending struct {
	fn        Func
	fut       *Future
	timeout   time.Duration
	enqueued  time.Time
	cancelled bool
}

// Queue is the Request Queue / Admission gate (C8).
type Queue struct {
	cfg Config

	mu      sync.Mutex
	fifo    []*pending
	active  int
	draining bool
	drainWg sync.WaitGroup
}

// New constructs a Queue. A non-positive MaxConcurrent means unbounded.
func New(cfg Config) (*Queue, error) {
	return &Queue{cfg: cfg}, nil
}

// Execute enqueues fn, optionally bounded by requestTimeout (0 = no
// timeout), and returns a Future. Dispatch happens inline when a
// concurrency slot is immediately available, otherwise fn waits in FIFO
// order for one to free up.
func (q *Queue) Execute(ctx context.Context, fn Func, requestTimeout time.Duration) *Future {
	fut := newFuture()
	p := &pending{fn: fn, fut: fut, timeout: requestTimeout, enqueued: time.Now()}

	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		fut.settle(nil, errs.New(errs.KindCancelled, "queue is draining"))
		return fut
	}
	q.fifo = append(q.fifo, p)
	q.drainWg.Add(1)
	q.mu.Unlock()

	go q.pump()
	if requestTimeout > 0 {
		go q.watchTimeout(p, requestTimeout)
	}
	return fut
}

func (q *Queue) watchTimeout(p *pending, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	<-timer.C
	q.mu.Lock()
	if p.cancelled {
		q.mu.Unlock()
		return
	}
	for i, other := range q.fifo {
		if other == p {
			q.fifo = append(q.fifo[:i], q.fifo[i+1:]...)
			p.cancelled = true
			q.mu.Unlock()
			p.fut.settle(nil, errs.New(errs.KindTimeout, "request timed out while pending"))
			q.drainWg.Done()
			return
		}
	}
	q.mu.Unlock()
	// Already dispatched: run() enforces the active-phase timeout through
	// the timeout context it passes to fn.
}

func (q *Queue) pump() {
	q.mu.Lock()
	if q.cfg.MaxConcurrent > 0 && q.active >= q.cfg.MaxConcurrent {
		q.mu.Unlock()
		return
	}
	var next *pending
	for len(q.fifo) > 0 {
		candidate := q.fifo[0]
		q.fifo = q.fifo[1:]
		if candidate.cancelled {
			q.drainWg.Done()
			continue
		}
		next = candidate
		break
	}
	if next == nil {
		q.mu.Unlock()
		return
	}
	q.active++
	q.mu.Unlock()

	go q.run(next)
}

func (q *Queue) run(p *pending) {
	defer func() {
		q.mu.Lock()
		q.active--
		q.mu.Unlock()
		q.drainWg.Done()
		q.pump()
	}()

	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	result, err := safeCall(ctx, p.fn)
	if err == context.DeadlineExceeded {
		err = errs.New(errs.KindTimeout, "request timed out while active")
	}
	p.fut.settle(result, err)
}

func safeCall(ctx context.Context, fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.KindInternal, fmt.Sprintf("panic in admitted call: %v", r))
		}
	}()
	return fn(ctx)
}

// ClearPending cancels every request still waiting in the FIFO; active
// executions continue uninterrupted.
func (q *Queue) ClearPending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.fifo {
		p.cancelled = true
		p.fut.settle(nil, errs.New(errs.KindCancelled, "pending request cleared"))
		q.drainWg.Done()
	}
	q.fifo = nil
}

// Drain marks the queue as no longer accepting new work and blocks until
// every active and pending request has settled.
func (q *Queue) Drain() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.drainWg.Wait()
}

// Depth reports the current pending-queue length.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// Active reports the number of currently executing requests.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}
