package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreweave-labs/inferunner/internal/errs"
	"github.com/coreweave-labs/inferunner/internal/types"
)

type memBus struct {
	subs map[string][]func(string, []byte)
}

func newMemBus() *memBus { return &memBus{subs: make(map[string][]func(string, []byte))} }

func (b *memBus) Publish(subject string, payload []byte) error {
	for _, h := range b.subs[subject] {
		h(subject, payload)
	}
	return nil
}

func (b *memBus) Subscribe(subject string, handler func(subject string, payload []byte)) (Subscription, error) {
	b.subs[subject] = append(b.subs[subject], handler)
	return noopSub{}, nil
}

type noopSub struct{}

func (noopSub) Unsubscribe() error { return nil }

func TestRegistryLearnsWorkersFromRegistrationAndHeartbeat(t *testing.T) {
	bus := newMemBus()
	reg := NewRegistry(time.Second)
	require.NoError(t, reg.ListenOn(bus))

	require.NoError(t, PublishRegistration(bus, "w1", "host-1", []string{"llama-7b"}))
	require.NoError(t, PublishHeartbeat(bus, "w1", "host-1", []string{"llama-7b"}))

	workers := reg.ForModel("llama-7b")
	require.Len(t, workers, 1)
	require.Equal(t, "w1", workers[0].WorkerID)
}

func TestRegistrySweepMarksStaleWorkerOffline(t *testing.T) {
	bus := newMemBus()
	reg := NewRegistry(10 * time.Millisecond)
	require.NoError(t, reg.ListenOn(bus))
	require.NoError(t, PublishRegistration(bus, "w1", "host-1", []string{"m"}))

	reg.SweepOffline(time.Now().Add(time.Hour))
	require.Empty(t, reg.ForModel("m"))
}

func TestRoundRobinStrategyCyclesCandidates(t *testing.T) {
	s := NewRoundRobinStrategy()
	candidates := []*WorkerView{
		{WorkerRegistration: types.WorkerRegistration{WorkerID: "a"}},
		{WorkerRegistration: types.WorkerRegistration{WorkerID: "b"}},
	}
	first, err := s.Select("", candidates)
	require.NoError(t, err)
	second, err := s.Select("", candidates)
	require.NoError(t, err)
	require.NotEqual(t, first.WorkerID, second.WorkerID)
}

func TestLeastLoadedStrategyPicksLowestRatio(t *testing.T) {
	s := NewLeastLoadedStrategy()
	candidates := []*WorkerView{
		{WorkerRegistration: types.WorkerRegistration{WorkerID: "busy"}, ActiveRequests: 9, Capacity: 10},
		{WorkerRegistration: types.WorkerRegistration{WorkerID: "idle"}, ActiveRequests: 1, Capacity: 10},
	}
	picked, err := s.Select("", candidates)
	require.NoError(t, err)
	require.Equal(t, "idle", picked.WorkerID)
}

func TestConsistentHashStrategyIsStableForSameKey(t *testing.T) {
	s := NewConsistentHashStrategy(64)
	candidates := []*WorkerView{
		{WorkerRegistration: types.WorkerRegistration{WorkerID: "a"}},
		{WorkerRegistration: types.WorkerRegistration{WorkerID: "b"}},
		{WorkerRegistration: types.WorkerRegistration{WorkerID: "c"}},
	}
	first, err := s.Select("session-42", candidates)
	require.NoError(t, err)
	second, err := s.Select("session-42", candidates)
	require.NoError(t, err)
	require.Equal(t, first.WorkerID, second.WorkerID)
}

func TestDispatcherRoutesAndSticksSession(t *testing.T) {
	bus := newMemBus()
	reg := NewRegistry(time.Minute)
	require.NoError(t, reg.ListenOn(bus))
	require.NoError(t, PublishRegistration(bus, "w1", "host-1", []string{"m"}))
	require.NoError(t, PublishRegistration(bus, "w2", "host-2", []string{"m"}))

	var calls atomic.Int64
	d := New(DefaultConfig(), reg, NewRoundRobinStrategy(), NewInMemoryAffinityStore(), func(ctx context.Context, workerID, method string, params []byte) ([]byte, error) {
		calls.Add(1)
		return []byte(workerID), nil
	})

	first, err := d.Dispatch(context.Background(), "m", "session-1", "generate", nil)
	require.NoError(t, err)

	second, err := d.Dispatch(context.Background(), "m", "session-1", "generate", nil)
	require.NoError(t, err)
	require.Equal(t, first, second, "sticky session should route to the same worker")
	require.Equal(t, int64(2), calls.Load())
}

func TestDispatcherReturnsErrorWhenNoWorkerServesModel(t *testing.T) {
	reg := NewRegistry(time.Minute)
	d := New(DefaultConfig(), reg, NewRoundRobinStrategy(), NewInMemoryAffinityStore(), func(ctx context.Context, workerID, method string, params []byte) ([]byte, error) {
		return nil, nil
	})
	_, err := d.Dispatch(context.Background(), "missing-model", "", "generate", nil)
	require.Error(t, err)
}

func TestDispatcherOpensBreakerAfterRepeatedWorkerFailures(t *testing.T) {
	bus := newMemBus()
	reg := NewRegistry(time.Minute)
	require.NoError(t, reg.ListenOn(bus))
	require.NoError(t, PublishRegistration(bus, "w1", "host-1", []string{"m"}))

	cfg := DefaultConfig()
	cfg.Breaker.FailureThreshold = 2
	cfg.Retry.MaxAttempts = 1

	d := New(cfg, reg, NewRoundRobinStrategy(), NewInMemoryAffinityStore(), func(ctx context.Context, workerID, method string, params []byte) ([]byte, error) {
		return nil, assertableErr{}
	})

	for i := 0; i < 2; i++ {
		_, _ = d.Dispatch(context.Background(), "m", "", "generate", nil)
	}
	_, err := d.Dispatch(context.Background(), "m", "", "generate", nil)
	require.Error(t, err)
	require.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
}

type assertableErr struct{}

func (assertableErr) Error() string { return "worker failure" }
