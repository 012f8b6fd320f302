// Package qos implements the QoS Policy Engine (C10): TDigest-backed
// metrics storage, an SloEvaluator producing violation/recovery edge
// events, a priority-ordered PolicyStore, and a loop-guarded
// RemediationExecutor.
//
// The zero-value fallbacks (NewMetricStore's default compression,
// NewExecutor falling back to DefaultRemediationConfig()) follow
// internal/telemetry/policy/policy.go's TelemetryPolicy idiom; the
// package has no Default()/Normalize() for QosPolicy itself.
package qos

import (
	"sync"

	"github.com/influxdata/tdigest"
)

// MetricKey identifies one TDigest series.
type MetricKey struct {
	Metric   string
	TenantID string
	ModelID  string
}

type series struct {
	digest *tdigest.TDigest
	count  int64
	min    float64
	max    float64
	sum    float64
}

// MetricStore holds a TDigest per (metric, tenant?, model?), plus the
// count/min/max/mean the TDigest itself doesn't expose directly.
type MetricStore struct {
	compression float64

	mu     sync.Mutex
	series map[MetricKey]*series
}

// NewMetricStore constructs a store with the given TDigest compression.
func NewMetricStore(compression float64) *MetricStore {
	if compression <= 0 {
		compression = 100
	}
	return &MetricStore{compression: compression, series: make(map[MetricKey]*series)}
}

func (s *MetricStore) seriesFor(key MetricKey) *series {
	sr, ok := s.series[key]
	if !ok {
		sr = &series{digest: tdigest.NewWithCompression(s.compression)}
		s.series[key] = sr
	}
	return sr
}

// Add records value for key.
func (s *MetricStore) Add(key MetricKey, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr := s.seriesFor(key)
	sr.digest.Add(value, 1)
	if sr.count == 0 || value < sr.min {
		sr.min = value
	}
	if sr.count == 0 || value > sr.max {
		sr.max = value
	}
	sr.sum += value
	sr.count++
}

// Percentile returns key's q-th percentile (0..1).
func (s *MetricStore) Percentile(key MetricKey, q float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seriesFor(key).digest.Quantile(q)
}

// Summary is a point-in-time readout of one metric series.
type Summary struct {
	Count int64
	Min   float64
	Max   float64
	Mean  float64
}

// Summary returns key's count/min/max/mean.
func (s *MetricStore) Summary(key MetricKey) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr := s.seriesFor(key)
	var mean float64
	if sr.count > 0 {
		mean = sr.sum / float64(sr.count)
	}
	return Summary{Count: sr.count, Min: sr.min, Max: sr.max, Mean: mean}
}
