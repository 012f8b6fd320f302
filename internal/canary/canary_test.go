package canary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreweave-labs/inferunner/internal/types"
)

func TestRouterAtStageOffAlwaysRoutesBaseline(t *testing.T) {
	r, err := NewRouter(DefaultRouterConfig())
	require.NoError(t, err)
	for _, id := range []string{"user-1", "user-2", "user-3"} {
		require.Equal(t, VariantBaseline, r.Route(id, types.StageOff))
	}
}

func TestRouterAtStage100AlwaysRoutesCanary(t *testing.T) {
	r, err := NewRouter(DefaultRouterConfig())
	require.NoError(t, err)
	for _, id := range []string{"user-1", "user-2", "user-3"} {
		require.Equal(t, VariantCanary, r.Route(id, types.Stage100))
	}
}

func TestRouterIsStickyAcrossCalls(t *testing.T) {
	r, err := NewRouter(DefaultRouterConfig())
	require.NoError(t, err)
	first := r.Route("user-1", types.Stage50)
	second := r.Route("user-1", types.StageOff) // stage ignored once sticky
	require.Equal(t, first, second)
}

func TestMetricsCollectorComputesErrorRateAndP95(t *testing.T) {
	c := NewMetricsCollector(time.Hour)
	now := time.Now()
	for i := 0; i < 10; i++ {
		c.Record(VariantCanary, RequestRecord{At: now.Add(time.Duration(i) * time.Second), LatencyMs: float64(i * 10), Errored: i == 0})
	}
	snap := c.Snapshot(VariantCanary)
	require.Equal(t, 10, snap.Count)
	require.InDelta(t, 0.1, snap.ErrorRate, 0.001)
	require.InDelta(t, 80.0, snap.P95LatencyMs, 0.001)
}

func TestRollbackControllerTripsOnErrorRateTrigger(t *testing.T) {
	rc := NewRollbackController(DefaultRollbackConfig())
	baseline := Snapshot{ErrorRate: 0.01}
	canaryMetrics := Snapshot{ErrorRate: 0.05}
	trip, reason := rc.ShouldRollback(baseline, canaryMetrics)
	require.True(t, trip)
	require.NotEmpty(t, reason)
}

func TestRollbackControllerRespectsCooldown(t *testing.T) {
	rc := NewRollbackController(RollbackConfig{ErrorRateMultiplier: 2, ErrorRateFloor: 0.01, RollbackCooldown: time.Hour})
	rc.MarkRolledBack(time.Now())
	trip, _ := rc.ShouldRollback(Snapshot{ErrorRate: 0.01}, Snapshot{ErrorRate: 0.9})
	require.False(t, trip)
}

func TestManagerRollsBackOnTriggeredHealthCheck(t *testing.T) {
	collector := NewMetricsCollector(time.Hour)
	now := time.Now()
	collector.Record(VariantBaseline, RequestRecord{At: now, LatencyMs: 10})
	collector.Record(VariantCanary, RequestRecord{At: now, Errored: true, LatencyMs: 10})

	var transitions []types.StageTransition
	m := NewManager(DefaultAdvanceConfig(), collector, NewRollbackController(DefaultRollbackConfig()), func(tr types.StageTransition) {
		transitions = append(transitions, tr)
	}, types.Stage50)

	m.CheckHealth(now)
	require.Len(t, transitions, 1)
	require.Equal(t, types.TransitionRollback, transitions[0].Type)
	require.Equal(t, types.Stage25, m.Snapshot().Stage)
}

func TestManagerAdvancesStageWhenHealthyAndAutoAdvanceEnabled(t *testing.T) {
	collector := NewMetricsCollector(time.Hour)
	now := time.Now()
	for i := 0; i < 60; i++ {
		collector.Record(VariantCanary, RequestRecord{At: now, LatencyMs: 5})
		collector.Record(VariantBaseline, RequestRecord{At: now, LatencyMs: 5})
	}

	cfg := DefaultAdvanceConfig()
	cfg.AutoAdvance = true
	cfg.MinStageDuration = time.Millisecond
	cfg.MinRequestsPerStage = 10

	var transitions []types.StageTransition
	m := NewManager(cfg, collector, NewRollbackController(DefaultRollbackConfig()), func(tr types.StageTransition) {
		transitions = append(transitions, tr)
	}, types.Stage10)

	m.CheckHealth(now.Add(time.Second))
	require.Len(t, transitions, 1)
	require.Equal(t, types.TransitionAdvance, transitions[0].Type)
	require.Equal(t, types.Stage25, m.Snapshot().Stage)
}

func TestManagerManualTransitionRecordsReason(t *testing.T) {
	collector := NewMetricsCollector(time.Hour)
	var transitions []types.StageTransition
	m := NewManager(DefaultAdvanceConfig(), collector, NewRollbackController(DefaultRollbackConfig()), func(tr types.StageTransition) {
		transitions = append(transitions, tr)
	}, types.StageOff)

	m.ManualTransition(types.Stage10, "operator requested", time.Now())
	require.Len(t, transitions, 1)
	require.Equal(t, types.TransitionManual, transitions[0].Type)
	require.Equal(t, "operator requested", transitions[0].Reason)
}
