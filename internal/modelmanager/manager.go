// Package modelmanager implements the Model Manager half of C5: at-most-
// one loaded handle per model id, LRU eviction at maxLoadedModels, warmup,
// and invalidation on Worker Runtime restart.
//
// Grounded on internal/resources/manager.go's container/list LRU of
// cached entries, generalized from cached pages to loaded model handles;
// eviction now calls an injected unload callback instead of spilling to
// disk, since an evicted handle has nothing worth persisting.
package modelmanager

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/coreweave-labs/inferunner/internal/errs"
	"github.com/coreweave-labs/inferunner/internal/types"
)

// Loader performs the actual out-of-process load/unload/warmup via the IPC
// Transport (C1). The manager owns lifecycle bookkeeping only.
type Loader interface {
	Load(ctx context.Context, desc types.ModelDescriptor) (types.ModelHandle, error)
	Unload(ctx context.Context, desc types.ModelDescriptor) error
	Warmup(ctx context.Context, desc types.ModelDescriptor, iterations int) error
}

// EventFunc is called on model:loaded, model:unloaded, and
// model:invalidated transitions.
type EventFunc func(event string, desc types.ModelDescriptor)

// Config controls the loaded-handle LRU.
type Config struct {
	MaxLoadedModels int
	WarmupRequests  int
}

// DefaultConfig matches spec.md §4.5's suggested magnitudes.
func DefaultConfig() Config {
	return Config{MaxLoadedModels: 4, WarmupRequests: 2}
}

type handleEntry struct {
	id     string
	handle types.ModelHandle
}

// Manager is the Model Manager (C5, in-memory half).
type Manager struct {
	cfg    Config
	loader Loader
	onEvent EventFunc

	mu      sync.Mutex
	lru     *list.List
	byID    map[string]*list.Element
	loading map[string]chan struct{}
}

// New constructs a Manager bound to loader.
func New(cfg Config, loader Loader, onEvent EventFunc) *Manager {
	if cfg.MaxLoadedModels <= 0 {
		cfg = DefaultConfig()
	}
	if onEvent == nil {
		onEvent = func(string, types.ModelDescriptor) {}
	}
	return &Manager{
		cfg: cfg, loader: loader, onEvent: onEvent,
		lru: list.New(), byID: make(map[string]*list.Element), loading: make(map[string]chan struct{}),
	}
}

// Load returns the existing handle for desc.ID if one is ready, otherwise
// loads it (evicting the LRU victim first if at capacity), warms it up,
// and returns the new handle. Concurrent Load calls for the same id join
// the in-flight load rather than issuing duplicate loads.
func (m *Manager) Load(ctx context.Context, desc types.ModelDescriptor) (types.ModelHandle, error) {
	m.mu.Lock()
	if el, ok := m.byID[desc.ID]; ok {
		h := el.Value.(*handleEntry).handle
		m.lru.MoveToFront(el)
		m.mu.Unlock()
		return h, nil
	}
	if wait, inflight := m.loading[desc.ID]; inflight {
		m.mu.Unlock()
		select {
		case <-wait:
			return m.Handle(desc.ID)
		case <-ctx.Done():
			return types.ModelHandle{}, ctx.Err()
		}
	}
	done := make(chan struct{})
	m.loading[desc.ID] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.loading, desc.ID)
		m.mu.Unlock()
		close(done)
	}()

	m.evictIfAtCapacity(ctx)

	handle, err := m.loader.Load(ctx, desc)
	if err != nil {
		return types.ModelHandle{}, errs.Wrap(errs.KindModelLoad, "model load failed", err)
	}
	handle.LoadedAt = time.Now()
	handle.State = types.HandleReady

	if m.cfg.WarmupRequests > 0 {
		if err := m.loader.Warmup(ctx, desc, m.cfg.WarmupRequests); err != nil {
			// Warmup failures are non-fatal: the handle is still usable, just
			// without a warmed cache.
		}
	}

	m.mu.Lock()
	el := m.lru.PushFront(&handleEntry{id: desc.ID, handle: handle})
	m.byID[desc.ID] = el
	m.mu.Unlock()

	m.onEvent("model:loaded", desc)
	return handle, nil
}

// Handle returns the currently loaded handle for id, if any.
func (m *Manager) Handle(id string) (types.ModelHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.byID[id]
	if !ok {
		return types.ModelHandle{}, errs.New(errs.KindModelNotLoaded, "no handle loaded for model")
	}
	return el.Value.(*handleEntry).handle, nil
}

// Unload explicitly releases id's handle, if loaded.
func (m *Manager) Unload(ctx context.Context, desc types.ModelDescriptor) error {
	m.mu.Lock()
	el, ok := m.byID[desc.ID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.lru.Remove(el)
	delete(m.byID, desc.ID)
	m.mu.Unlock()

	if err := m.loader.Unload(ctx, desc); err != nil {
		return errs.Wrap(errs.KindRuntime, "model unload failed", err)
	}
	m.onEvent("model:unloaded", desc)
	return nil
}

// InvalidateAll marks every loaded handle invalid, used when the Worker
// Runtime restarts: consumers must reload before issuing further requests.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	var descs []types.ModelDescriptor
	for el := m.lru.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*handleEntry)
		descs = append(descs, entry.handle.Descriptor)
	}
	m.lru.Init()
	m.byID = make(map[string]*list.Element)
	m.mu.Unlock()

	for _, d := range descs {
		m.onEvent("model:invalidated", d)
	}
}

// evictIfAtCapacity unloads the least-recently-used handle when the
// manager is at MaxLoadedModels.
func (m *Manager) evictIfAtCapacity(ctx context.Context) {
	m.mu.Lock()
	if m.lru.Len() < m.cfg.MaxLoadedModels {
		m.mu.Unlock()
		return
	}
	back := m.lru.Back()
	if back == nil {
		m.mu.Unlock()
		return
	}
	entry := back.Value.(*handleEntry)
	m.lru.Remove(back)
	delete(m.byID, entry.id)
	m.mu.Unlock()

	_ = m.loader.Unload(ctx, entry.handle.Descriptor)
	m.onEvent("model:unloaded", entry.handle.Descriptor)
}

// LoadedCount reports the number of currently loaded handles.
func (m *Manager) LoadedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// All returns every currently loaded handle, most-recently-used first.
func (m *Manager) All() []types.ModelHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ModelHandle, 0, m.lru.Len())
	for el := m.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*handleEntry).handle)
	}
	return out
}
