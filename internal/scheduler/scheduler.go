// Package scheduler implements the Priority Scheduler (C7): five FIFO
// levels with aging, fairness intervention, SLA deadline tracking, and
// preemption bookkeeping.
//
// Grounded on internal/pipeline/pipeline.go's staged worker dispatch loop
// (a single goroutine owns the scheduling decision), generalized from one
// FIFO channel per stage to five priority-ordered FIFOs with aging and
// fairness promotion. Wait-time/ percentile tracking uses
// github.com/influxdata/tdigest, the same streaming-quantile library the
// pack's serving/eventloop examples carry for latency observability.
package scheduler

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/coreweave-labs/inferunner/internal/types"
)

// Config controls aging, fairness, and preemption behavior.
type Config struct {
	AgingThreshold       time.Duration
	FairnessInterval     int  // every Nth dequeue is forced from the lowest non-empty level
	PreemptionEnabled    bool
	CancellationDeadline time.Duration
}

// DefaultConfig matches spec.md §4.7's suggested magnitudes.
func DefaultConfig() Config {
	return Config{
		AgingThreshold:       2 * time.Second,
		FairnessInterval:     20,
		PreemptionEnabled:    true,
		CancellationDeadline: 3 * time.Second,
	}
}

// LevelMetrics reports per-priority-level observability.
type LevelMetrics struct {
	QueueDepth    int
	WaitP50       time.Duration
	WaitP95       time.Duration
	WaitP99       time.Duration
	SlaViolations int64
	Throughput    int64
	MaxWait       time.Duration
}

// Stats aggregates scheduler-wide counters.
type Stats struct {
	FairnessInterventions int64
	TotalPreemptions      int64
	PreemptionsByPriority map[types.Priority]int64
	AvgPreemptionDuration time.Duration
}

type queuedRequest struct {
	req      types.Request
	enqueued time.Time
}

type level struct {
	mu       sync.Mutex
	fifo     []*queuedRequest
	digest   *tdigest.TDigest
	sla      int64
	done     int64
	maxWait  time.Duration
}

func newLevel() *level {
	return &level{digest: tdigest.NewWithCompression(100)}
}

// Scheduler is the Priority Scheduler (C7).
type Scheduler struct {
	cfg    Config
	levels [types.NumPriorityLevels]*level

	mu                   sync.Mutex
	dequeueCount         int64
	fairnessInterventions int64

	preemptMu             sync.Mutex
	totalPreemptions      int64
	preemptionsByPriority map[types.Priority]int64
	preemptionDurationSum time.Duration
	preempted             map[string]time.Time // requestID -> preempted-at
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.AgingThreshold <= 0 {
		cfg = DefaultConfig()
	}
	s := &Scheduler{cfg: cfg, preemptionsByPriority: make(map[types.Priority]int64), preempted: make(map[string]time.Time)}
	for i := range s.levels {
		s.levels[i] = newLevel()
	}
	return s
}

// Enqueue admits req into its priority level's FIFO.
func (s *Scheduler) Enqueue(req types.Request) {
	req.EffectivePriority = req.Priority
	req.Status = types.StatusQueued
	lvl := s.levels[req.Priority]
	lvl.mu.Lock()
	lvl.fifo = append(lvl.fifo, &queuedRequest{req: req, enqueued: time.Now()})
	lvl.mu.Unlock()
}

// Dequeue selects the next request to dispatch: priority order with aging
// applied first, except every FairnessInterval-th call forces a pick from
// the lowest non-empty level regardless of higher-priority backlog.
func (s *Scheduler) Dequeue() (types.Request, bool) {
	s.applyAging()

	s.mu.Lock()
	s.dequeueCount++
	forceFairness := s.cfg.FairnessInterval > 0 && s.dequeueCount%int64(s.cfg.FairnessInterval) == 0
	s.mu.Unlock()

	if forceFairness {
		if req, ok := s.dequeueLowestNonEmpty(); ok {
			s.mu.Lock()
			s.fairnessInterventions++
			s.mu.Unlock()
			return req, true
		}
	}

	for p := 0; p < types.NumPriorityLevels; p++ {
		if req, ok := s.dequeueFrom(types.Priority(p)); ok {
			return req, true
		}
	}
	return types.Request{}, false
}

func (s *Scheduler) dequeueFrom(p types.Priority) (types.Request, bool) {
	lvl := s.levels[p]
	lvl.mu.Lock()
	defer lvl.mu.Unlock()
	if len(lvl.fifo) == 0 {
		return types.Request{}, false
	}
	qr := lvl.fifo[0]
	lvl.fifo = lvl.fifo[1:]
	wait := time.Since(qr.enqueued)
	lvl.digest.Add(float64(wait), 1)
	lvl.done++
	if wait > lvl.maxWait {
		lvl.maxWait = wait
	}
	if qr.req.Deadline != nil && time.Now().After(*qr.req.Deadline) {
		lvl.sla++
	}
	qr.req.Status = types.StatusDispatched
	return qr.req, true
}

func (s *Scheduler) dequeueLowestNonEmpty() (types.Request, bool) {
	for p := types.NumPriorityLevels - 1; p >= 0; p-- {
		if req, ok := s.dequeueFrom(types.Priority(p)); ok {
			return req, true
		}
	}
	return types.Request{}, false
}

// applyAging promotes requests that have waited past AgingThreshold one
// step toward CRITICAL, tracking agingBumps.
func (s *Scheduler) applyAging() {
	if s.cfg.AgingThreshold <= 0 {
		return
	}
	now := time.Now()
	// Walk from the most urgent level down, so a request promoted in this
	// pass lands in a level already visited and moves exactly one step.
	for p := 1; p < types.NumPriorityLevels; p++ {
		lvl := s.levels[p]
		lvl.mu.Lock()
		var stay []*queuedRequest
		var promote []*queuedRequest
		for _, qr := range lvl.fifo {
			if now.Sub(qr.enqueued) > s.cfg.AgingThreshold {
				qr.req.EffectivePriority--
				qr.req.AgingBumps++
				promote = append(promote, qr)
			} else {
				stay = append(stay, qr)
			}
		}
		lvl.fifo = stay
		lvl.mu.Unlock()

		if len(promote) == 0 {
			continue
		}
		target := s.levels[p-1]
		target.mu.Lock()
		target.fifo = append(target.fifo, promote...)
		target.mu.Unlock()
	}
}

// Preempt marks req as preempted (paused), recorded for avgPreemptionDuration
// once Resume is called.
func (s *Scheduler) Preempt(req types.Request) {
	if !s.cfg.PreemptionEnabled {
		return
	}
	s.preemptMu.Lock()
	defer s.preemptMu.Unlock()
	s.preempted[req.ID] = time.Now()
	s.totalPreemptions++
	s.preemptionsByPriority[req.EffectivePriority]++
}

// Resume clears a preemption record for reqID and bumps its effective
// priority one step toward CRITICAL, per spec.md §4.7.
func (s *Scheduler) Resume(req types.Request) types.Request {
	s.preemptMu.Lock()
	start, ok := s.preempted[req.ID]
	if ok {
		delete(s.preempted, req.ID)
		s.preemptionDurationSum += time.Since(start)
	}
	s.preemptMu.Unlock()

	if req.EffectivePriority > types.PriorityCritical {
		req.EffectivePriority--
	}
	return req
}

// Stats returns scheduler-wide preemption/fairness counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	fairness := s.fairnessInterventions
	s.mu.Unlock()

	s.preemptMu.Lock()
	defer s.preemptMu.Unlock()
	byPriority := make(map[types.Priority]int64, len(s.preemptionsByPriority))
	for k, v := range s.preemptionsByPriority {
		byPriority[k] = v
	}
	var avg time.Duration
	if s.totalPreemptions > 0 {
		avg = s.preemptionDurationSum / time.Duration(s.totalPreemptions)
	}
	return Stats{
		FairnessInterventions: fairness,
		TotalPreemptions:      s.totalPreemptions,
		PreemptionsByPriority: byPriority,
		AvgPreemptionDuration: avg,
	}
}

// LevelMetrics returns observability data for priority level p.
func (s *Scheduler) LevelMetrics(p types.Priority) LevelMetrics {
	lvl := s.levels[p]
	lvl.mu.Lock()
	defer lvl.mu.Unlock()
	return LevelMetrics{
		QueueDepth:    len(lvl.fifo),
		WaitP50:       time.Duration(lvl.digest.Quantile(0.5)),
		WaitP95:       time.Duration(lvl.digest.Quantile(0.95)),
		WaitP99:       time.Duration(lvl.digest.Quantile(0.99)),
		SlaViolations: lvl.sla,
		Throughput:    lvl.done,
		MaxWait:       lvl.maxWait,
	}
}
