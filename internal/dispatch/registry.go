package dispatch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/coreweave-labs/inferunner/internal/types"
)

// registrationMsg is the wire payload a worker publishes to subjectRegister
// and repeats (with updated heartbeat) to subjectHeartbeat.
type registrationMsg struct {
	WorkerID        string   `json:"worker_id"`
	Hostname        string   `json:"hostname"`
	AvailableModels []string `json:"available_models"`
}

// WorkerView extends types.WorkerRegistration with dispatcher-local load
// tracking used by the least-loaded and latency-aware strategies.
type WorkerView struct {
	types.WorkerRegistration
	ActiveRequests int
	Capacity       int
	LatencyEWMA    float64
}

// Registry tracks worker registrations and heartbeats, grounded on
// internal/telemetry's bounded-event idiom: a mutex-protected map kept
// current by subscription callbacks rather than polling.
type Registry struct {
	offlineTimeout time.Duration

	mu      sync.RWMutex
	workers map[string]*WorkerView
}

// NewRegistry constructs a Registry. A worker is considered offline once
// now-lastHeartbeat exceeds offlineTimeout.
func NewRegistry(offlineTimeout time.Duration) *Registry {
	if offlineTimeout <= 0 {
		offlineTimeout = 30 * time.Second
	}
	return &Registry{offlineTimeout: offlineTimeout, workers: make(map[string]*WorkerView)}
}

// ListenOn subscribes to registration and heartbeat subjects on bus,
// updating the registry as messages arrive.
func (r *Registry) ListenOn(bus Bus) error {
	handler := func(subject string, payload []byte) {
		var msg registrationMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		r.touch(msg)
	}
	if _, err := bus.Subscribe(subjectRegister, handler); err != nil {
		return err
	}
	if _, err := bus.Subscribe(subjectHeartbeat, handler); err != nil {
		return err
	}
	return nil
}

func (r *Registry) touch(msg registrationMsg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[msg.WorkerID]
	if !ok {
		w = &WorkerView{WorkerRegistration: types.WorkerRegistration{WorkerID: msg.WorkerID}}
		r.workers[msg.WorkerID] = w
	}
	w.Hostname = msg.Hostname
	w.AvailableModels = msg.AvailableModels
	w.LastHeartbeat = time.Now()
	w.State = types.WorkerOnline
}

// PublishRegistration announces a worker's availability on the bus.
func PublishRegistration(bus Bus, workerID, hostname string, models []string) error {
	return publishJSON(bus, subjectRegister, registrationMsg{WorkerID: workerID, Hostname: hostname, AvailableModels: models})
}

// PublishHeartbeat repeats a worker's liveness signal on the bus.
func PublishHeartbeat(bus Bus, workerID, hostname string, models []string) error {
	return publishJSON(bus, subjectHeartbeat, registrationMsg{WorkerID: workerID, Hostname: hostname, AvailableModels: models})
}

// SweepOffline marks workers whose heartbeat is stale as offline.
func (r *Registry) SweepOffline(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.State == types.WorkerOnline && w.WorkerRegistration.IsOffline(now, r.offlineTimeout) {
			w.State = types.WorkerOffline
		}
	}
}

// ForModel returns the online workers advertising model.
func (r *Registry) ForModel(model string) []*WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*WorkerView
	for _, w := range r.workers {
		if w.State != types.WorkerOnline {
			continue
		}
		for _, m := range w.AvailableModels {
			if m == model {
				out = append(out, w)
				break
			}
		}
	}
	return out
}

// All returns every registered worker, online or not.
func (r *Registry) All() []*WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkerView, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// RecordLatency updates workerID's latency EWMA (alpha = 0.2).
func (r *Registry) RecordLatency(workerID string, observed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	const alpha = 0.2
	v := float64(observed)
	if w.LatencyEWMA == 0 {
		w.LatencyEWMA = v
		return
	}
	w.LatencyEWMA = alpha*v + (1-alpha)*w.LatencyEWMA
}

// SetLoad updates workerID's active request count (for least-loaded
// routing).
func (r *Registry) SetLoad(workerID string, active, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.ActiveRequests = active
		w.Capacity = capacity
	}
}
