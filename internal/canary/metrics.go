package canary

import (
	"sort"
	"sync"
	"time"
)

// RequestRecord is one completed request's observation for the metrics
// collector's sliding window.
type RequestRecord struct {
	At        time.Time
	LatencyMs float64
	Errored   bool
	MemoryMB  float64
	Crashed   bool
}

// Snapshot summarizes a variant's sliding window.
type Snapshot struct {
	Count            int
	ErrorRate        float64
	P95LatencyMs     float64
	ThroughputPerSec float64
	MemoryGrowthMBPerHour float64
	CrashDelta       int
}

// MetricsCollector maintains a 1-hour sliding window of RequestRecords
// per variant, grounded on the canary deployment's MetricsSnapshot shape.
type MetricsCollector struct {
	window time.Duration

	mu      sync.Mutex
	records map[Variant][]RequestRecord
}

// NewMetricsCollector constructs a collector with the given sliding
// window (defaults to 1 hour per spec.md §4.11).
func NewMetricsCollector(window time.Duration) *MetricsCollector {
	if window <= 0 {
		window = time.Hour
	}
	return &MetricsCollector{window: window, records: make(map[Variant][]RequestRecord)}
}

// Record appends rec to variant's window, evicting entries older than the
// configured window.
func (m *MetricsCollector) Record(variant Variant, rec RequestRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := rec.At.Add(-m.window)
	kept := m.records[variant][:0]
	for _, r := range m.records[variant] {
		if r.At.After(cutoff) {
			kept = append(kept, r)
		}
	}
	m.records[variant] = append(kept, rec)
}

// Snapshot computes variant's current window summary.
func (m *MetricsCollector) Snapshot(variant Variant) Snapshot {
	m.mu.Lock()
	records := append([]RequestRecord(nil), m.records[variant]...)
	m.mu.Unlock()

	if len(records) == 0 {
		return Snapshot{}
	}

	var errors, crashes int
	var latencies []float64
	for _, r := range records {
		latencies = append(latencies, r.LatencyMs)
		if r.Errored {
			errors++
		}
		if r.Crashed {
			crashes++
		}
	}
	sort.Float64s(latencies)
	p95 := percentile(latencies, 0.95)

	span := records[len(records)-1].At.Sub(records[0].At)
	var throughput, memGrowth float64
	if span > 0 {
		throughput = float64(len(records)) / span.Seconds()
		memGrowth = (records[len(records)-1].MemoryMB - records[0].MemoryMB) / span.Hours()
	}

	return Snapshot{
		Count:                 len(records),
		ErrorRate:             float64(errors) / float64(len(records)),
		P95LatencyMs:          p95,
		ThroughputPerSec:      throughput,
		MemoryGrowthMBPerHour: memGrowth,
		CrashDelta:            crashes,
	}
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
