package multiplex

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func echoBatch(ctx context.Context, params []any) ([]Result, error) {
	results := make([]Result, len(params))
	for i, p := range params {
		results[i] = Result{Success: true, Value: p}
	}
	return results, nil
}

func TestCallFlushesOnMaxBatchSize(t *testing.T) {
	cfg := Config{MaxBatchSize: 3, FlushInterval: time.Hour}
	m := New(cfg, echoBatch)
	defer m.Close()

	var wg sync.WaitGroup
	results := make([]any, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Call(context.Background(), "tokenize", i)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	require.ElementsMatch(t, []any{0, 1, 2}, results)
	stats := m.Stats()
	require.Equal(t, int64(1), stats.BatchesDispatched)
	require.Equal(t, int64(3), stats.RequestsBatched)
}

func TestCallFlushesOnIntervalWhenBelowMaxBatchSize(t *testing.T) {
	cfg := Config{MaxBatchSize: 100, FlushInterval: 5 * time.Millisecond}
	m := New(cfg, echoBatch)
	defer m.Close()

	v, err := m.Call(context.Background(), "tokenize", "solo")
	require.NoError(t, err)
	require.Equal(t, "solo", v)

	stats := m.Stats()
	require.Equal(t, int64(1), stats.BatchesDispatched)
	require.Equal(t, int64(1), stats.SoloRequests)
}

func TestTransportFailureRejectsWholeBatch(t *testing.T) {
	boom := errors.New("transport down")
	failing := func(ctx context.Context, params []any) ([]Result, error) {
		return nil, boom
	}
	cfg := Config{MaxBatchSize: 2, FlushInterval: time.Hour}
	m := New(cfg, failing)
	defer m.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Call(context.Background(), "tokenize", i)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	require.ErrorIs(t, errs[0], boom)
	require.ErrorIs(t, errs[1], boom)
}

func TestPerEntryErrorDoesNotFailOtherEntries(t *testing.T) {
	partial := func(ctx context.Context, params []any) ([]Result, error) {
		results := make([]Result, len(params))
		for i, p := range params {
			if p == "bad" {
				results[i] = Result{Success: false, Err: errors.New("bad entry")}
				continue
			}
			results[i] = Result{Success: true, Value: p}
		}
		return results, nil
	}
	cfg := Config{MaxBatchSize: 2, FlushInterval: time.Hour}
	m := New(cfg, partial)
	defer m.Close()

	var wg sync.WaitGroup
	var goodVal any
	var badErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		v, err := m.Call(context.Background(), "tokenize", "good")
		require.NoError(t, err)
		goodVal = v
	}()
	go func() {
		defer wg.Done()
		_, err := m.Call(context.Background(), "tokenize", "bad")
		badErr = err
	}()
	wg.Wait()

	require.Equal(t, "good", goodVal)
	require.Error(t, badErr)
}

func TestDisabledModeForwardsDirectly(t *testing.T) {
	cfg := Config{MaxBatchSize: 10, FlushInterval: time.Hour, Disabled: true}
	m := New(cfg, echoBatch)
	defer m.Close()

	v, err := m.Call(context.Background(), "tokenize", "x")
	require.NoError(t, err)
	require.Equal(t, "x", v)
	require.Equal(t, int64(1), m.Stats().BatchesDispatched)
}

func TestFlushPacingThrottlesDispatch(t *testing.T) {
	cfg := Config{MaxBatchSize: 1, FlushInterval: time.Hour, FlushRatePerSecond: 20, FlushBurst: 1}
	m := New(cfg, echoBatch)
	defer m.Close()
	require.NotNil(t, m.pacer)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := m.Call(context.Background(), "tokenize", i)
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestFlushPacingCancelsOnContextDone(t *testing.T) {
	cfg := Config{MaxBatchSize: 1, FlushInterval: time.Hour, FlushRatePerSecond: 1, FlushBurst: 1}
	m := New(cfg, echoBatch)
	defer m.Close()

	_, err := m.Call(context.Background(), "tokenize", "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Call(ctx, "tokenize", "second")
	require.Error(t, err)
}
