// Package transport implements the IPC Transport (C1): a framed
// request/reply channel to an out-of-process Worker Runtime, with retries,
// a circuit breaker, per-method timeouts, and a byte-size cap on payloads.
//
// The circuit breaker is delegated to sony/gobreaker rather than
// hand-rolled, following this module's decision to replace the teacher's
// embedded breaker state machine (internal/ratelimit's domainState.breaker)
// with a real dependency wherever a component can exercise one.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coreweave-labs/inferunner/internal/errs"
	"github.com/coreweave-labs/inferunner/internal/retry"
)

// WorkerRuntime is the external collaborator this transport dispatches to.
// It is out of this module's scope (spec.md §1): a real implementation
// would frame JSON-RPC-like messages over a subprocess pipe.
type WorkerRuntime interface {
	// Call sends method with the given raw params and returns the raw
	// result. The worker itself classifies application errors; Call should
	// return an *errs.Error with an appropriate transport-level Kind for
	// IO/framing failures so the retry policy can classify them.
	Call(ctx context.Context, method string, params []byte) ([]byte, error)
}

// StreamEvent is an asynchronous event tagged with a stream id, dispatched
// to the Stream Registry in the order received from the worker.
type StreamEvent struct {
	StreamID string
	Kind     string // token | stats | completed | error
	Payload  []byte
}

// StreamSink receives StreamEvents in FIFO order.
type StreamSink interface {
	Dispatch(ev StreamEvent)
}

// BreakerConfig mirrors spec.md §4.1's circuit breaker knobs.
type BreakerConfig struct {
	FailureThreshold         uint32
	RecoveryTimeout          time.Duration
	HalfOpenMaxCalls         uint32
	HalfOpenSuccessThreshold uint32
}

// Config is the IPC Transport's configuration.
type Config struct {
	MaxLineBufferSize   int // bytes; 0 => 1 MiB default
	DefaultTimeout      time.Duration
	MethodTimeouts      map[string]time.Duration
	NonRetryableMethods map[string]bool
	Retry               retry.Config
	Breaker             BreakerConfig
}

// DefaultConfig returns sane defaults matching spec.md §4.1.
func DefaultConfig() Config {
	return Config{
		MaxLineBufferSize: 1 << 20, // 1 MiB
		DefaultTimeout:    30 * time.Second,
		MethodTimeouts:    map[string]time.Duration{},
		NonRetryableMethods: map[string]bool{
			"generate": true,
		},
		Retry: retry.DefaultConfig(),
		Breaker: BreakerConfig{
			FailureThreshold:         5,
			RecoveryTimeout:          15 * time.Second,
			HalfOpenMaxCalls:         3,
			HalfOpenSuccessThreshold: 3,
		},
	}
}

// Transport dispatches requests to a WorkerRuntime with retries, a circuit
// breaker, and byte-size/timeout enforcement.
type Transport struct {
	cfg     Config
	worker  WorkerRuntime
	breaker *gobreaker.CircuitBreaker
	retryP  *retry.Policy

	mu         sync.Mutex
	sinks      []StreamSink
	nextReqNum uint64
}

// New constructs a Transport bound to worker.
func New(cfg Config, worker WorkerRuntime) *Transport {
	if cfg.MaxLineBufferSize <= 0 {
		cfg.MaxLineBufferSize = 1 << 20
	}
	settings := gobreaker.Settings{
		Name:        "ipc-transport",
		MaxRequests: cfg.Breaker.HalfOpenMaxCalls,
		Timeout:     cfg.Breaker.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.FailureThreshold
		},
	}
	return &Transport{
		cfg:     cfg,
		worker:  worker,
		breaker: gobreaker.NewCircuitBreaker(settings),
		retryP:  retry.New(cfg.Retry),
	}
}

// Subscribe registers a sink for asynchronous stream events.
func (t *Transport) Subscribe(sink StreamSink) {
	t.mu.Lock()
	t.sinks = append(t.sinks, sink)
	t.mu.Unlock()
}

// PublishStreamEvent fans an event from the worker out to every subscriber,
// in the order received. Intended to be called by the WorkerRuntime
// implementation's event reader loop.
func (t *Transport) PublishStreamEvent(ev StreamEvent) {
	t.mu.Lock()
	sinks := append([]StreamSink(nil), t.sinks...)
	t.mu.Unlock()
	for _, s := range sinks {
		s.Dispatch(ev)
	}
}

func (t *Transport) timeoutFor(method string) time.Duration {
	if d, ok := t.cfg.MethodTimeouts[method]; ok && d > 0 {
		return d
	}
	return t.cfg.DefaultTimeout
}

// Call sends method/params through the breaker, with retries for
// classifiable transient failures, honoring a per-method timeout and the
// transport's buffer-size cap.
func (t *Transport) Call(ctx context.Context, method string, params []byte) ([]byte, error) {
	if len(params) > t.cfg.MaxLineBufferSize {
		return nil, errs.New(errs.KindBufferOverflow, "payload exceeded transport byte cap").
			WithDetails(map[string]any{"bytes": len(params), "cap": t.cfg.MaxLineBufferSize})
	}

	retryable := t.retryP
	if t.cfg.NonRetryableMethods[method] {
		retryable = retry.New(retry.Config{MaxAttempts: 1})
	}

	result, err := t.breaker.Execute(func() (interface{}, error) {
		var out []byte
		callErr := retryable.Do(ctx, func(ctx context.Context, attempt int) error {
			cctx, cancel := context.WithTimeout(ctx, t.timeoutFor(method))
			defer cancel()
			res, cerr := t.worker.Call(cctx, method, params)
			if cerr != nil {
				if cctx.Err() != nil {
					return errs.Wrap(errs.KindTimeout, "request timed out", cerr).
						WithDetails(map[string]any{"method": method})
				}
				return cerr
			}
			out = res
			return nil
		})
		return out, callErr
	})

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errs.Wrap(errs.KindCircuitOpen, "transport circuit open", err)
		}
		return nil, err
	}
	return result.([]byte), nil
}

// BreakerState reports the current circuit breaker state as a string
// (closed|half-open|open), for telemetry and the Engine Facade snapshot.
func (t *Transport) BreakerState() string {
	switch t.breaker.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// RetryStats exposes cumulative retry statistics for telemetry.
func (t *Transport) RetryStats() retry.Stats {
	return t.retryP.Stats()
}
