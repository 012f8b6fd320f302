package modelmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreweave-labs/inferunner/internal/types"
)

type fakeLoader struct {
	loadCalls   int32
	unloadCalls int32
}

func (f *fakeLoader) Load(ctx context.Context, desc types.ModelDescriptor) (types.ModelHandle, error) {
	atomic.AddInt32(&f.loadCalls, 1)
	return types.ModelHandle{Descriptor: desc}, nil
}
func (f *fakeLoader) Unload(ctx context.Context, desc types.ModelDescriptor) error {
	atomic.AddInt32(&f.unloadCalls, 1)
	return nil
}
func (f *fakeLoader) Warmup(ctx context.Context, desc types.ModelDescriptor, n int) error { return nil }

func TestLoadReturnsExistingHandleWithoutReload(t *testing.T) {
	loader := &fakeLoader{}
	m := New(DefaultConfig(), loader, nil)

	desc := types.ModelDescriptor{ID: "m1"}
	_, err := m.Load(context.Background(), desc)
	require.NoError(t, err)
	_, err = m.Load(context.Background(), desc)
	require.NoError(t, err)

	require.Equal(t, int32(1), atomic.LoadInt32(&loader.loadCalls))
}

func TestLoadEvictsLRUAtCapacity(t *testing.T) {
	loader := &fakeLoader{}
	m := New(Config{MaxLoadedModels: 2}, loader, nil)

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Load(context.Background(), types.ModelDescriptor{ID: id})
		require.NoError(t, err)
	}

	require.Equal(t, 2, m.LoadedCount())
	_, err := m.Handle("a")
	require.Error(t, err)
	_, err = m.Handle("c")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&loader.unloadCalls))
}

func TestConcurrentLoadForSameIDJoinsSingleLoad(t *testing.T) {
	loader := &fakeLoader{}
	m := New(DefaultConfig(), loader, nil)
	desc := types.ModelDescriptor{ID: "m1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Load(context.Background(), desc)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&loader.loadCalls))
}

func TestInvalidateAllClearsHandlesAndEmitsEvents(t *testing.T) {
	loader := &fakeLoader{}
	var events []string
	m := New(DefaultConfig(), loader, func(event string, desc types.ModelDescriptor) {
		events = append(events, event)
	})

	_, err := m.Load(context.Background(), types.ModelDescriptor{ID: "a"})
	require.NoError(t, err)
	m.InvalidateAll()

	require.Equal(t, 0, m.LoadedCount())
	require.Contains(t, events, "model:invalidated")
	_, err = m.Handle("a")
	require.Error(t, err)
}
