package qos

import (
	"time"

	"github.com/coreweave-labs/inferunner/internal/types"
)

// Evaluation is one SLO check's outcome.
type Evaluation struct {
	Slo          types.SloDefinition
	Violated     bool
	CurrentValue float64
	Threshold    float64
}

// EdgeEvent classifies a transition in an SLO's violated state.
type EdgeEvent string

const (
	EdgeViolation EdgeEvent = "violation"
	EdgeRecovery  EdgeEvent = "recovery"
)

// EdgeFunc is notified on violation/recovery edges only, not on every tick.
type EdgeFunc func(event EdgeEvent, eval Evaluation)

// SloEvaluator periodically compares current metric values against
// configured SLO thresholds.
type SloEvaluator struct {
	store    *MetricStore
	onEdge   EdgeFunc
	lastState map[string]bool // slo identity -> was violated
}

// NewSloEvaluator constructs an evaluator over store, calling onEdge only
// when an SLO's violated state changes (edge-triggered, per spec.md §4.10).
func NewSloEvaluator(store *MetricStore, onEdge EdgeFunc) *SloEvaluator {
	if onEdge == nil {
		onEdge = func(EdgeEvent, Evaluation) {}
	}
	return &SloEvaluator{store: store, onEdge: onEdge, lastState: make(map[string]bool)}
}

func sloKey(slo types.SloDefinition) string {
	return string(slo.Metric) + "|" + slo.TenantID + "|" + slo.ModelID
}

// percentileFor maps an SLO metric to the TDigest percentile it reads;
// latency-shaped metrics read p95, rate-shaped metrics read the mean.
func percentileFor(metric types.SloMetric) (q float64, usePercentile bool) {
	switch metric {
	case types.MetricLatencyP95, types.MetricTTFT:
		return 0.95, true
	default:
		return 0, false
	}
}

// Evaluate runs one tick for slo against its metric series, firing an edge
// callback if the violated state changed since the last tick.
func (e *SloEvaluator) Evaluate(slo types.SloDefinition) Evaluation {
	key := MetricKey{Metric: string(slo.Metric), TenantID: slo.TenantID, ModelID: slo.ModelID}
	var current float64
	if q, usePercentile := percentileFor(slo.Metric); usePercentile {
		current = e.store.Percentile(key, q)
	} else {
		current = e.store.Summary(key).Mean
	}

	violated := current > slo.Threshold
	eval := Evaluation{Slo: slo, Violated: violated, CurrentValue: current, Threshold: slo.Threshold}

	k := sloKey(slo)
	was, seen := e.lastState[k]
	e.lastState[k] = violated
	if !seen {
		if violated {
			e.onEdge(EdgeViolation, eval)
		}
		return eval
	}
	if violated && !was {
		e.onEdge(EdgeViolation, eval)
	} else if !violated && was {
		e.onEdge(EdgeRecovery, eval)
	}
	return eval
}

// Run ticks every interval until stop is closed, evaluating every slo in
// slos on each tick.
func (e *SloEvaluator) Run(stop <-chan struct{}, interval time.Duration, slos func() []types.SloDefinition) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, slo := range slos() {
				e.Evaluate(slo)
			}
		}
	}
}
