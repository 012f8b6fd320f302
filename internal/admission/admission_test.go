package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteRunsFIFOAndBoundsConcurrency(t *testing.T) {
	q, err := New(Config{MaxConcurrent: 1})
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var maxConcurrent, current int32

	var futures []*Future
	for i := 0; i < 3; i++ {
		i := i
		fut := q.Execute(context.Background(), func(ctx context.Context) (any, error) {
			n := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&current, -1)
			return i, nil
		}, 0)
		futures = append(futures, fut)
	}

	for _, fut := range futures {
		_, err := fut.Wait(context.Background())
		require.NoError(t, err)
	}

	require.Equal(t, []int{0, 1, 2}, order)
	require.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(1))
}

func TestExecuteTimesOutWhilePending(t *testing.T) {
	q, err := New(Config{MaxConcurrent: 1})
	require.NoError(t, err)

	block := make(chan struct{})
	_ = q.Execute(context.Background(), func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}, 0)

	fut := q.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "never", nil
	}, 5*time.Millisecond)

	_, err = fut.Wait(context.Background())
	require.Error(t, err)
	close(block)
}

func TestClearPendingCancelsOnlyPending(t *testing.T) {
	q, err := New(Config{MaxConcurrent: 1})
	require.NoError(t, err)

	block := make(chan struct{})
	activeFut := q.Execute(context.Background(), func(ctx context.Context) (any, error) {
		<-block
		return "active-done", nil
	}, 0)

	pendingFut := q.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "should-not-run", nil
	}, 0)

	time.Sleep(2 * time.Millisecond)
	q.ClearPending()

	_, err = pendingFut.Wait(context.Background())
	require.Error(t, err)

	close(block)
	v, err := activeFut.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "active-done", v)
}

func TestErrorInOneExecutionDoesNotBlockNext(t *testing.T) {
	q, err := New(Config{MaxConcurrent: 1})
	require.NoError(t, err)

	fut1 := q.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, context.Canceled
	}, 0)
	fut2 := q.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	}, 0)

	_, err1 := fut1.Wait(context.Background())
	require.Error(t, err1)
	v, err2 := fut2.Wait(context.Background())
	require.NoError(t, err2)
	require.Equal(t, "ok", v)
}
