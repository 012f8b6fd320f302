// Package dedup implements the Request Deduplicator (C3): collapses
// identical concurrent generations behind a single shared future keyed by
// a SHA-256 fingerprint of canonicalized generation parameters.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Params are the deterministic generation parameters the fingerprint is
// computed over.
type Params struct {
	ModelID     string
	Prompt      string
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
	Seed        int64
}

// Fingerprint returns the canonical SHA-256 hex digest for p.
func Fingerprint(p Params) string {
	// Canonicalize via a fixed field order rather than relying on map
	// iteration order or struct JSON tag ordering drift.
	canon := struct {
		ModelID     string  `json:"model_id"`
		Prompt      string  `json:"prompt"`
		Temperature float64 `json:"temperature"`
		TopP        float64 `json:"top_p"`
		TopK        int     `json:"top_k"`
		MaxTokens   int     `json:"max_tokens"`
		Seed        int64   `json:"seed"`
	}{p.ModelID, p.Prompt, p.Temperature, p.TopP, p.TopK, p.MaxTokens, p.Seed}
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Future is a shared, once-settled result joined by every caller that
// deduplicated onto the same fingerprint.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// Settle resolves the future exactly once; subsequent calls are no-ops.
func (f *Future) Settle(result any, err error) {
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

// Config controls cache bounds.
type Config struct {
	TTL            time.Duration
	MaxEntries     int
	MaxPayloadBytes int
}

// DefaultConfig matches spec.md §4.3's defaults.
func DefaultConfig() Config {
	return Config{TTL: 2 * time.Minute, MaxEntries: 4096, MaxPayloadBytes: 64 * 1024}
}

type record struct {
	fut       *Future
	expiresAt time.Time
}

// Deduplicator is the Request Deduplicator (C3).
type Deduplicator struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*record
	order   []string // FIFO eviction order
}

// New constructs a Deduplicator.
func New(cfg Config) *Deduplicator {
	if cfg.MaxEntries <= 0 {
		cfg = DefaultConfig()
	}
	return &Deduplicator{cfg: cfg, entries: make(map[string]*record)}
}

// JoinOrStart returns (future, isLeader). If isLeader is true, the caller
// is responsible for eventually calling future.Settle with the outcome of
// actually performing the generation. If isLeader is false, a concurrent
// identical request already owns the future and the caller should just
// Wait on it. payloadBytes, when it exceeds MaxPayloadBytes, bypasses the
// cache entirely (always leader, a fresh future every time).
func (d *Deduplicator) JoinOrStart(fingerprint string, payloadBytes int) (future *Future, isLeader bool) {
	if d.cfg.MaxPayloadBytes > 0 && payloadBytes > d.cfg.MaxPayloadBytes {
		return newFuture(), true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictExpiredLocked(time.Now())
	if rec, ok := d.entries[fingerprint]; ok {
		return rec.fut, false
	}
	fut := newFuture()
	d.entries[fingerprint] = &record{fut: fut, expiresAt: time.Now().Add(d.cfg.TTL)}
	d.order = append(d.order, fingerprint)
	d.evictOverflowLocked()
	return fut, true
}

// Remove deletes the fingerprint's entry immediately. Leaders call this on
// failure before settling the future with an error, so that a later
// identical request starts a fresh generation rather than joining a
// poisoned one.
func (d *Deduplicator) Remove(fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, fingerprint)
}

func (d *Deduplicator) evictExpiredLocked(now time.Time) {
	for fp, rec := range d.entries {
		if now.After(rec.expiresAt) {
			delete(d.entries, fp)
		}
	}
}

func (d *Deduplicator) evictOverflowLocked() {
	for len(d.entries) > d.cfg.MaxEntries && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.entries, oldest)
	}
}

// Len reports the current number of cached fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// sortedKeys returns m's fingerprints in sorted order, for
// map-order-independent inspection of the cache.
func sortedKeys(m map[string]*record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
