// Package streams implements the Stream Registry (C4): correlates
// worker-produced stream ids with a consumer's cancellable, ordered
// sequence of chunks, with bounded-channel backpressure.
//
// The delivery channel and drop/backpressure bookkeeping are grounded on
// internal/telemetry/events's bounded per-subscriber channel, generalized
// from a pub/sub fan-out (many subscribers, drop-on-full) to a single
// producer/consumer pair per stream that stalls rather than drops, per
// spec.md §4.4's backpressure contract.
package streams

import (
	"context"
	"sync"
	"time"

	"github.com/coreweave-labs/inferunner/internal/errs"
	"github.com/coreweave-labs/inferunner/internal/types"
)

// ChunkKind classifies a delivered chunk.
type ChunkKind string

const (
	ChunkToken    ChunkKind = "token"
	ChunkMetadata ChunkKind = "metadata"
	ChunkError    ChunkKind = "error"
)

// Chunk is one item delivered to a stream's consumer.
type Chunk struct {
	Kind    ChunkKind
	Token   string
	Stats   map[string]any
	Err     error
	Final   bool
}

// Config controls queueing, backpressure, and adaptive limit behavior.
type Config struct {
	StreamQueueSize      int
	MaxUnackedChunks     int64
	QueuePutMaxRetries   int
	QueuePutBackoff      time.Duration
	DefaultTimeout       time.Duration

	MinActiveStreams int
	MaxActiveStreams int
}

// DefaultConfig matches spec.md §4.4's suggested magnitudes.
func DefaultConfig() Config {
	return Config{
		StreamQueueSize:    256,
		MaxUnackedChunks:   64,
		QueuePutMaxRetries: 5,
		QueuePutBackoff:    20 * time.Millisecond,
		DefaultTimeout:     5 * time.Minute,
		MinActiveStreams:   4,
		MaxActiveStreams:   64,
	}
}

type entry struct {
	mu             sync.Mutex
	meta           types.StreamEntry
	ch             chan Chunk
	cancel         func(reason string)
	cancelled      bool
	degraded       bool
	lastActivity   time.Time
}

// Registry is the Stream Registry (C4).
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*entry

	// activeLimit is the current adaptive cap on concurrently active streams.
	activeLimit int
}

// New constructs a Registry.
func New(cfg Config) *Registry {
	if cfg.StreamQueueSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{cfg: cfg, entries: make(map[string]*entry), activeLimit: cfg.MaxActiveStreams}
}

// Register creates a new StreamEntry for streamID and returns it. onCancel is
// invoked at most once, the first time the stream is cancelled (explicitly
// or via timeout), and should notify the worker / transport layer.
func (r *Registry) Register(streamID string, onCancel func(reason string)) (types.StreamEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.activeLimit {
		return types.StreamEntry{}, errs.New(errs.KindResourceExhausted, "max active streams reached")
	}
	now := time.Now()
	meta := types.StreamEntry{StreamID: streamID, State: types.StreamIdle, CreatedAt: now, LastActivityAt: now}
	e := &entry{meta: meta, ch: make(chan Chunk, r.cfg.StreamQueueSize), cancel: onCancel, lastActivity: now}
	r.entries[streamID] = e
	return meta, nil
}

func (r *Registry) get(streamID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[streamID]
}

// PushToken delivers a token chunk, applying backpressure if the consumer
// is behind: it retries up to QueuePutMaxRetries with QueuePutBackoff
// between attempts before marking the stream degraded (but not cancelling
// it, matching spec.md §4.4).
func (r *Registry) PushToken(ctx context.Context, streamID, token string) error {
	return r.push(ctx, streamID, Chunk{Kind: ChunkToken, Token: token})
}

// PushStats delivers a non-terminal stats chunk.
func (r *Registry) PushStats(ctx context.Context, streamID string, stats map[string]any) error {
	return r.push(ctx, streamID, Chunk{Kind: ChunkMetadata, Stats: stats})
}

// PushEvent delivers a terminal event (completed or error), closing the
// consumer sequence and releasing the registry entry.
func (r *Registry) PushEvent(ctx context.Context, streamID string, chunk Chunk) error {
	chunk.Final = true
	if err := r.push(ctx, streamID, chunk); err != nil {
		return err
	}
	r.release(streamID, types.StreamCompleted)
	return nil
}

func (r *Registry) push(ctx context.Context, streamID string, c Chunk) error {
	e := r.get(streamID)
	if e == nil {
		return errs.New(errs.KindModelNotLoaded, "unknown stream id")
	}
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return errs.Wrap(errs.KindCancelled, "stream cancelled", errs.ErrStreamClosed)
	}
	e.meta.State = types.StreamStreaming
	e.lastActivity = time.Now()
	e.mu.Unlock()

	for attempt := 0; ; attempt++ {
		select {
		case e.ch <- c:
			e.mu.Lock()
			e.meta.UnackedChunks++
			e.mu.Unlock()
			return nil
		default:
		}
		if attempt >= r.cfg.QueuePutMaxRetries {
			e.mu.Lock()
			e.degraded = true
			e.mu.Unlock()
			// A degraded stream is not cancelled; caller may choose to push
			// again later or let QoS policy decide.
			return errs.New(errs.KindTimeout, "slow consumer: backpressure retries exhausted")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.QueuePutBackoff):
		}
	}
}

// Ack records that the consumer processed n chunks, relieving backpressure
// accounting.
func (r *Registry) Ack(streamID string, n int64) {
	e := r.get(streamID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.meta.AckedChunks += n
	e.meta.UnackedChunks -= n
	if e.meta.UnackedChunks < 0 {
		e.meta.UnackedChunks = 0
	}
	e.mu.Unlock()
}

// Consume returns the stream's delivery channel. Callers range over it
// until it closes (on cancellation or a terminal chunk).
func (r *Registry) Consume(streamID string) (<-chan Chunk, error) {
	e := r.get(streamID)
	if e == nil {
		return nil, errs.New(errs.KindModelNotLoaded, "unknown stream id")
	}
	return e.ch, nil
}

// Cancel is idempotent: it posts a cancellation, emits a terminal error
// chunk with reason "Cancelled" to the consumer, and frees the registry
// entry.
func (r *Registry) Cancel(streamID, reason string) {
	e := r.get(streamID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	e.meta.CancelReason = reason
	cancelFn := e.cancel
	e.mu.Unlock()

	if cancelFn != nil {
		cancelFn(reason)
	}
	select {
	case e.ch <- Chunk{Kind: ChunkError, Err: errs.New(errs.KindCancelled, reason), Final: true}:
	default:
	}
	r.release(streamID, types.StreamCancelled)
}

func (r *Registry) release(streamID string, final types.StreamState) {
	r.mu.Lock()
	e, ok := r.entries[streamID]
	if ok {
		delete(r.entries, streamID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.meta.State = final
	close(e.ch)
	e.mu.Unlock()
}

// SweepTimeouts auto-cancels any stream whose last activity exceeds
// DefaultTimeout. Intended to run on a periodic ticker owned by the Engine
// Facade's supervised task set.
func (r *Registry) SweepTimeouts() {
	if r.cfg.DefaultTimeout <= 0 {
		return
	}
	now := time.Now()
	r.mu.RLock()
	var stale []string
	for id, e := range r.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastActivity)
		e.mu.Unlock()
		if idle > r.cfg.DefaultTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range stale {
		r.Cancel(id, "timeout: no activity")
	}
}

// AdjustActiveLimit resizes the adaptive active-stream cap within
// [MinActiveStreams, MaxActiveStreams], used by the QoS policy engine when
// observed TTFT/latency cross configured thresholds.
func (r *Registry) AdjustActiveLimit(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.activeLimit + delta
	if next < r.cfg.MinActiveStreams {
		next = r.cfg.MinActiveStreams
	}
	if next > r.cfg.MaxActiveStreams {
		next = r.cfg.MaxActiveStreams
	}
	r.activeLimit = next
}

// Snapshot returns the current metadata for streamID, if it exists.
func (r *Registry) Snapshot(streamID string) (types.StreamEntry, bool) {
	e := r.get(streamID)
	if e == nil {
		return types.StreamEntry{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta, true
}

// ActiveCount returns the number of currently registered streams.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
