package qos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreweave-labs/inferunner/internal/types"
)

func TestMetricStorePercentileAndSummary(t *testing.T) {
	store := NewMetricStore(100)
	key := MetricKey{Metric: "latency_p95"}
	for _, v := range []float64{10, 20, 30, 40, 50} {
		store.Add(key, v)
	}
	summary := store.Summary(key)
	require.Equal(t, int64(5), summary.Count)
	require.Equal(t, 10.0, summary.Min)
	require.Equal(t, 50.0, summary.Max)
	require.InDelta(t, 30.0, summary.Mean, 0.01)
	require.Greater(t, store.Percentile(key, 0.5), 0.0)
}

func TestSloEvaluatorFiresViolationOnceThenNoRepeatWhileStillViolated(t *testing.T) {
	store := NewMetricStore(100)
	var events []EdgeEvent
	evaluator := NewSloEvaluator(store, func(event EdgeEvent, eval Evaluation) {
		events = append(events, event)
	})
	slo := types.SloDefinition{Metric: types.MetricLatencyP95, Threshold: 100, Severity: types.SeverityCritical}
	key := MetricKey{Metric: string(slo.Metric)}

	store.Add(key, 200)
	evaluator.Evaluate(slo) // first tick, violated: fires once
	evaluator.Evaluate(slo) // still violated, no repeat edge

	require.Equal(t, []EdgeEvent{EdgeViolation}, events)
}

func TestSloEvaluatorFiresRecoveryEdgeOnceMetricDropsBelowThreshold(t *testing.T) {
	store := NewMetricStore(100)
	var events []EdgeEvent
	evaluator := NewSloEvaluator(store, func(event EdgeEvent, eval Evaluation) {
		events = append(events, event)
	})
	// A rate-shaped metric reads the running mean, so enough fresh low
	// values pull it back under threshold deterministically.
	slo := types.SloDefinition{Metric: types.MetricErrorRate, Threshold: 0.1, Severity: types.SeverityCritical}
	key := MetricKey{Metric: string(slo.Metric)}

	store.Add(key, 1.0)
	evaluator.Evaluate(slo) // violated (mean 1.0 > 0.1)

	for i := 0; i < 50; i++ {
		store.Add(key, 0.0)
	}
	evaluator.Evaluate(slo) // mean now well under threshold

	require.Equal(t, []EdgeEvent{EdgeViolation, EdgeRecovery}, events)
}

func TestPolicyStoreMatchesByTenantAndModelPriorityOrdered(t *testing.T) {
	store := NewPolicyStore([]types.QosPolicy{
		{ID: "low", Priority: 1, Enabled: true, Slos: []types.SloDefinition{{TenantID: "acme"}}},
		{ID: "high", Priority: 10, Enabled: true, Slos: []types.SloDefinition{{TenantID: "acme"}}},
	})
	p, ok := store.MatchFor("acme", "m1")
	require.True(t, ok)
	require.Equal(t, "high", p.ID)
}

func TestPolicyStoreSkipsDisabled(t *testing.T) {
	store := NewPolicyStore([]types.QosPolicy{
		{ID: "disabled", Priority: 10, Enabled: false, Slos: []types.SloDefinition{{TenantID: "acme"}}},
	})
	_, ok := store.MatchFor("acme", "m1")
	require.False(t, ok)
}

func TestExecutorWarningRequiresConsecutiveViolations(t *testing.T) {
	var fired int
	ex := NewExecutor(RemediationConfig{LoopWindow: time.Minute, LoopMaxFires: 10, LoopCooldown: time.Minute, WarningConsecutive: 3}, func(a types.RemediationAction) error {
		fired++
		return nil
	})
	policy := types.QosPolicy{Remediations: []types.RemediationAction{{Type: types.RemediationAlert}}}
	slo := types.SloDefinition{Metric: types.MetricErrorRate, Severity: types.SeverityWarning}
	eval := Evaluation{Slo: slo, Violated: true}

	ex.Handle(EdgeViolation, eval, policy)
	ex.Handle(EdgeViolation, eval, policy)
	require.Equal(t, 0, fired)
	ex.Handle(EdgeViolation, eval, policy)
	require.Equal(t, 1, fired)
}

func TestExecutorCriticalFiresImmediately(t *testing.T) {
	var fired int
	ex := NewExecutor(DefaultRemediationConfig(), func(a types.RemediationAction) error {
		fired++
		return nil
	})
	policy := types.QosPolicy{Remediations: []types.RemediationAction{{Type: types.RemediationScaleUp}}}
	slo := types.SloDefinition{Metric: types.MetricLatencyP95, Severity: types.SeverityCritical}
	ex.Handle(EdgeViolation, Evaluation{Slo: slo, Violated: true}, policy)
	require.Equal(t, 1, fired)
}

func TestExecutorLoopDetectionOpensCircuit(t *testing.T) {
	var fired int
	ex := NewExecutor(RemediationConfig{LoopWindow: time.Hour, LoopMaxFires: 2, LoopCooldown: time.Hour, WarningConsecutive: 1}, func(a types.RemediationAction) error {
		fired++
		return nil
	})
	policy := types.QosPolicy{Remediations: []types.RemediationAction{{Type: types.RemediationRestart}}}
	slo := types.SloDefinition{Metric: types.MetricLatencyP95, Severity: types.SeverityCritical}
	for i := 0; i < 5; i++ {
		ex.Handle(EdgeViolation, Evaluation{Slo: slo, Violated: true}, policy)
	}
	require.Equal(t, 2, fired)
}

func TestExecutorDryRunNeverDispatches(t *testing.T) {
	var fired int
	cfg := DefaultRemediationConfig()
	cfg.DryRun = true
	ex := NewExecutor(cfg, func(a types.RemediationAction) error {
		fired++
		return nil
	})
	policy := types.QosPolicy{Remediations: []types.RemediationAction{{Type: types.RemediationThrottle}}}
	slo := types.SloDefinition{Metric: types.MetricLatencyP95, Severity: types.SeverityCritical}
	ex.Handle(EdgeViolation, Evaluation{Slo: slo, Violated: true}, policy)
	require.Equal(t, 0, fired)
}
