// Package models implements the Artifact Cache half of C5: a
// content-addressed, on-disk store of model artifacts keyed by a SHA-256
// hash over (id, revision, quantization).
//
// Grounded on internal/resources/manager.go's LRU + disk-spill + JSON
// checkpoint idiom: the in-memory index is now an
// hashicorp/golang-lru/v2 cache of metadata rather than a hand-rolled
// container/list, while the on-disk artifact directory and the
// append-only checkpoint log keep the teacher's shape.
package models

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coreweave-labs/inferunner/internal/types"
)

// Opts selects a load variant contributing to the content-addressed key.
type Opts struct {
	ContextLength int
	ExtraTag      string
}

// Hash returns the deterministic content-address for (descriptor, opts).
func Hash(desc types.ModelDescriptor, opts Opts) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s", desc.ID, desc.Revision, desc.Quantization, opts.ContextLength, opts.ExtraTag)
	return hex.EncodeToString(h.Sum(nil))
}

// Config controls the cache's directory, checkpoint log and in-memory
// index size. MaxEntries bounds only the in-memory index; artifacts on
// disk are never evicted and their total size is not capped.
type Config struct {
	Directory      string
	MaxEntries     int
	CheckpointPath string
	Disabled       bool
}

// DefaultConfig matches spec.md §4.5's suggested magnitudes.
func DefaultConfig() Config {
	return Config{MaxEntries: 64}
}

// LookupResult is the outcome of a cache lookup.
type LookupResult struct {
	Hit   bool
	Path  string
	Entry types.ArtifactCacheEntry
}

// StoreResult is the outcome of storing an artifact.
type StoreResult struct {
	Hash      string
	SizeBytes int64
}

// Health summarizes cache occupancy for telemetry/diagnostics.
type Health struct {
	Entries   int
	Directory string
	Disabled  bool
}

// Cache is the Artifact Cache (C5, on-disk half).
type Cache struct {
	cfg Config

	mu      sync.Mutex
	index   *lru.Cache[string, types.ArtifactCacheEntry]
	checkCh chan types.ArtifactCacheEntry
	wg      sync.WaitGroup
}

// New constructs a Cache. Disabled caches still construct cleanly but
// Lookup always misses and Store is a no-op that reports size only.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg = DefaultConfig()
	}
	idx, err := lru.New[string, types.ArtifactCacheEntry](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("build artifact index: %w", err)
	}
	c := &Cache{cfg: cfg, index: idx}
	if cfg.Disabled {
		return c, nil
	}
	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact directory: %w", err)
		}
	}
	if cfg.CheckpointPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.CheckpointPath), 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
		c.checkCh = make(chan types.ArtifactCacheEntry, 256)
		c.wg.Add(1)
		go c.checkpointLoop()
	}
	return c, nil
}

// Close drains the checkpoint writer, if any.
func (c *Cache) Close() error {
	if c.checkCh != nil {
		close(c.checkCh)
		c.wg.Wait()
	}
	return nil
}

// Lookup reports whether desc/opts's artifact is cached.
func (c *Cache) Lookup(desc types.ModelDescriptor, opts Opts) LookupResult {
	if c.cfg.Disabled {
		return LookupResult{}
	}
	key := Hash(desc, opts)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.index.Get(key)
	if !ok {
		return LookupResult{}
	}
	entry.LastAccessedAt = time.Now()
	c.index.Add(key, entry)
	return LookupResult{Hit: true, Path: entry.ArtifactPath, Entry: entry}
}

// Store records sourceDir's artifact under desc/opts's hash. Idempotent:
// storing the same (desc, opts) twice returns the existing entry's size
// without duplicating work.
func (c *Cache) Store(desc types.ModelDescriptor, opts Opts, sourceDir string, metadata map[string]any) (StoreResult, error) {
	key := Hash(desc, opts)
	if c.cfg.Disabled {
		size, _ := dirSize(sourceDir)
		return StoreResult{Hash: key, SizeBytes: size}, nil
	}

	c.mu.Lock()
	if entry, ok := c.index.Get(key); ok {
		c.mu.Unlock()
		return StoreResult{Hash: key, SizeBytes: entry.SizeBytes}, nil
	}
	c.mu.Unlock()

	dest := filepath.Join(c.cfg.Directory, key)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		if err := os.Rename(sourceDir, dest); err != nil {
			return StoreResult{}, fmt.Errorf("store artifact: %w", err)
		}
	}
	size, err := dirSize(dest)
	if err != nil {
		return StoreResult{}, fmt.Errorf("measure artifact size: %w", err)
	}

	now := time.Now()
	entry := types.ArtifactCacheEntry{
		Hash: key, SizeBytes: size, CreatedAt: now, LastAccessedAt: now,
		ArtifactPath: dest, Metadata: metadata,
	}
	c.mu.Lock()
	c.index.Add(key, entry)
	c.mu.Unlock()

	c.checkpoint(entry)
	return StoreResult{Hash: key, SizeBytes: size}, nil
}

// Clear removes every entry from the in-memory index. The on-disk artifact
// directory is left intact; callers that also want bytes reclaimed should
// remove cfg.Directory themselves once no handle references it.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index.Purge()
}

// GetHealth reports cache occupancy.
func (c *Cache) GetHealth() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Health{Entries: c.index.Len(), Directory: c.cfg.Directory, Disabled: c.cfg.Disabled}
}

func (c *Cache) checkpoint(entry types.ArtifactCacheEntry) {
	if c.checkCh == nil {
		return
	}
	select {
	case c.checkCh <- entry:
	default:
	}
}

func (c *Cache) checkpointLoop() {
	defer c.wg.Done()
	f, err := os.OpenFile(c.cfg.CheckpointPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	for entry := range c.checkCh {
		line, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
		w.Flush()
	}
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
