// Package dispatch implements the Horizontal Dispatcher (C12): worker
// discovery, request routing, per-worker circuit breakers, and session
// affinity across a fleet of worker-runtime hosts.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/coreweave-labs/inferunner/internal/errs"
	"github.com/coreweave-labs/inferunner/internal/retry"
)

// Role is the mode a Dispatcher instance runs in.
type Role int

const (
	RoleController Role = iota
	RoleWorker
	RoleBoth
)

// WorkerCall is the per-worker dispatch function, analogous to
// transport.WorkerRuntime.Call but scoped to one worker host.
type WorkerCall func(ctx context.Context, workerID, method string, params []byte) ([]byte, error)

// Config controls dispatcher behavior.
type Config struct {
	Role              Role
	OfflineTimeout    time.Duration
	AffinityTTL       time.Duration
	Breaker           BreakerConfig
	Retry             retry.Config
	SoftMemoryLimitMB int
	HardMemoryLimitMB int
	MaxQueueDepth     int
}

// BreakerConfig mirrors transport.BreakerConfig, scoped per worker.
type BreakerConfig struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls uint32
}

// DefaultConfig matches spec.md §4.12's suggested magnitudes.
func DefaultConfig() Config {
	return Config{
		Role:              RoleController,
		OfflineTimeout:    30 * time.Second,
		AffinityTTL:       10 * time.Minute,
		Breaker:           BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 15 * time.Second, HalfOpenMaxCalls: 3},
		Retry:             retry.Config{MaxAttempts: 2, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2, Jitter: 0.2, RetryableKinds: []errs.Kind{errs.KindWorkerUnavailable, errs.KindWorkerOverloaded, errs.KindTimeout}},
		MaxQueueDepth:     64,
	}
}

// AffinityStore persists session-to-worker stickiness with a TTL, backed by
// redis/go-redis/v9 the way the teacher's rate limiter persists shared
// counters, generalized from counters to string values.
type AffinityStore interface {
	Get(ctx context.Context, sessionID string) (string, bool, error)
	Set(ctx context.Context, sessionID, workerID string, ttl time.Duration) error
}

// RedisAffinityStore is an AffinityStore backed by a redis client.
type RedisAffinityStore struct {
	client *redis.Client
	prefix string
}

// NewRedisAffinityStore wraps client with the given key prefix.
func NewRedisAffinityStore(client *redis.Client, prefix string) *RedisAffinityStore {
	if prefix == "" {
		prefix = "inferunner:affinity:"
	}
	return &RedisAffinityStore{client: client, prefix: prefix}
}

func (s *RedisAffinityStore) Get(ctx context.Context, sessionID string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+sessionID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisAffinityStore) Set(ctx context.Context, sessionID, workerID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+sessionID, workerID, ttl).Err()
}

// inMemoryAffinityStore is a process-local AffinityStore for deployments
// without redis, or for tests.
type inMemoryAffinityStore struct {
	mu      sync.Mutex
	entries map[string]affinityEntry
}

type affinityEntry struct {
	workerID string
	expires  time.Time
}

// NewInMemoryAffinityStore constructs a process-local AffinityStore.
func NewInMemoryAffinityStore() AffinityStore {
	return &inMemoryAffinityStore{entries: make(map[string]affinityEntry)}
}

func (s *inMemoryAffinityStore) Get(_ context.Context, sessionID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok || time.Now().After(e.expires) {
		return "", false, nil
	}
	return e.workerID, true, nil
}

func (s *inMemoryAffinityStore) Set(_ context.Context, sessionID, workerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = affinityEntry{workerID: workerID, expires: time.Now().Add(ttl)}
	return nil
}

type workerBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

// Dispatcher routes requests to worker hosts by strategy, enforcing a
// per-worker circuit breaker and optional retry, with session-sticky
// overrides persisted in an AffinityStore.
type Dispatcher struct {
	cfg      Config
	registry *Registry
	strategy Strategy
	affinity AffinityStore
	call     WorkerCall
	retryP   *retry.Policy

	mu       sync.Mutex
	breakers map[string]*workerBreaker
}

// New constructs a Dispatcher. call is the transport used to reach a
// specific worker once selected.
func New(cfg Config, registry *Registry, strategy Strategy, affinity AffinityStore, call WorkerCall) *Dispatcher {
	if cfg.Breaker.FailureThreshold == 0 {
		cfg = DefaultConfig()
	}
	if affinity == nil {
		affinity = NewInMemoryAffinityStore()
	}
	return &Dispatcher{
		cfg: cfg, registry: registry, strategy: strategy, affinity: affinity, call: call,
		retryP:   retry.New(cfg.Retry),
		breakers: make(map[string]*workerBreaker),
	}
}

func (d *Dispatcher) breakerFor(workerID string) *workerBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[workerID]; ok {
		return b
	}
	settings := gobreaker.Settings{
		Name:        "dispatch-" + workerID,
		MaxRequests: d.cfg.Breaker.HalfOpenMaxCalls,
		Timeout:     d.cfg.Breaker.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= d.cfg.Breaker.FailureThreshold
		},
	}
	b := &workerBreaker{breaker: gobreaker.NewCircuitBreaker(settings)}
	d.breakers[workerID] = b
	return b
}

// Dispatch selects a worker for model/sessionID and invokes method on it,
// honoring session affinity, per-worker circuit breaking, and retry on
// classified worker-transient failures.
func (d *Dispatcher) Dispatch(ctx context.Context, model, sessionID, method string, params []byte) ([]byte, error) {
	candidates := d.registry.ForModel(model)
	if len(candidates) == 0 {
		return nil, errs.New(errs.KindWorkerUnavailable, "no worker available for model").
			WithDetails(map[string]any{"model": model})
	}

	worker, err := d.pickWorker(ctx, sessionID, candidates)
	if err != nil {
		return nil, err
	}

	breaker := d.breakerFor(worker.WorkerID)
	result, err := breaker.breaker.Execute(func() (interface{}, error) {
		var out []byte
		callErr := d.retryP.Do(ctx, func(ctx context.Context, attempt int) error {
			res, cerr := d.call(ctx, worker.WorkerID, method, params)
			if cerr != nil {
				return cerr
			}
			out = res
			return nil
		})
		return out, callErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errs.Wrap(errs.KindCircuitOpen, "worker circuit open", err).
				WithDetails(map[string]any{"worker_id": worker.WorkerID})
		}
		return nil, err
	}

	if sessionID != "" {
		_ = d.affinity.Set(ctx, sessionID, worker.WorkerID, d.cfg.AffinityTTL)
	}
	return result.([]byte), nil
}

func (d *Dispatcher) pickWorker(ctx context.Context, sessionID string, candidates []*WorkerView) (*WorkerView, error) {
	if sessionID != "" {
		if stickyID, ok, err := d.affinity.Get(ctx, sessionID); err == nil && ok {
			for _, c := range candidates {
				if c.WorkerID == stickyID {
					return c, nil
				}
			}
		}
	}
	return d.strategy.Select(sessionID, candidates)
}

// Prewarm instructs a specific worker to load a model ahead of traffic,
// bypassing routing strategy selection.
func (d *Dispatcher) Prewarm(ctx context.Context, workerID, model string) error {
	_, err := d.call(ctx, workerID, "warmup", []byte(model))
	return err
}
