package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreweave-labs/inferunner/internal/types"
)

func TestDequeuePicksHighestPriorityFirst(t *testing.T) {
	s := New(Config{AgingThreshold: time.Hour, FairnessInterval: 0, PreemptionEnabled: true})
	s.Enqueue(types.Request{ID: "low", Priority: types.PriorityLow})
	s.Enqueue(types.Request{ID: "crit", Priority: types.PriorityCritical})

	req, ok := s.Dequeue()
	require.True(t, ok)
	require.Equal(t, "crit", req.ID)
}

func TestFIFOWithinSameLevel(t *testing.T) {
	s := New(Config{AgingThreshold: time.Hour, FairnessInterval: 0})
	s.Enqueue(types.Request{ID: "a", Priority: types.PriorityNormal})
	s.Enqueue(types.Request{ID: "b", Priority: types.PriorityNormal})

	req1, _ := s.Dequeue()
	req2, _ := s.Dequeue()
	require.Equal(t, "a", req1.ID)
	require.Equal(t, "b", req2.ID)
}

func TestAgingPromotesLongWaitingRequest(t *testing.T) {
	s := New(Config{AgingThreshold: time.Millisecond, FairnessInterval: 0})
	s.Enqueue(types.Request{ID: "bg", Priority: types.PriorityBackground})
	time.Sleep(5 * time.Millisecond)

	s.applyAging()
	lvl := s.levels[types.PriorityLow]
	lvl.mu.Lock()
	n := len(lvl.fifo)
	lvl.mu.Unlock()
	require.Equal(t, 1, n)
}

func TestFairnessIntervalForcesLowestLevelPick(t *testing.T) {
	s := New(Config{AgingThreshold: time.Hour, FairnessInterval: 2})
	s.Enqueue(types.Request{ID: "bg", Priority: types.PriorityBackground})
	s.Enqueue(types.Request{ID: "crit1", Priority: types.PriorityCritical})
	s.Enqueue(types.Request{ID: "crit2", Priority: types.PriorityCritical})

	first, _ := s.Dequeue()
	require.Equal(t, "crit1", first.ID)
	second, _ := s.Dequeue()
	require.Equal(t, "bg", second.ID)
	require.Equal(t, int64(1), s.Stats().FairnessInterventions)
}

func TestPreemptAndResumeTracksDurationAndBumpsPriority(t *testing.T) {
	s := New(DefaultConfig())
	req := types.Request{ID: "r1", Priority: types.PriorityNormal, EffectivePriority: types.PriorityNormal}
	s.Preempt(req)
	time.Sleep(time.Millisecond)
	resumed := s.Resume(req)

	require.Equal(t, types.PriorityHigh, resumed.EffectivePriority)
	stats := s.Stats()
	require.Equal(t, int64(1), stats.TotalPreemptions)
	require.Greater(t, stats.AvgPreemptionDuration, time.Duration(0))
}
