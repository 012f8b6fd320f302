package streams

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterPushConsumeOrder(t *testing.T) {
	r := New(DefaultConfig())
	_, err := r.Register("s1", nil)
	require.NoError(t, err)

	ch, err := r.Consume("s1")
	require.NoError(t, err)

	require.NoError(t, r.PushToken(context.Background(), "s1", "hello"))
	require.NoError(t, r.PushToken(context.Background(), "s1", "world"))
	require.NoError(t, r.PushEvent(context.Background(), "s1", Chunk{Kind: ChunkMetadata, Final: true}))

	var got []string
	for c := range ch {
		if c.Kind == ChunkToken {
			got = append(got, c.Token)
		}
	}
	require.Equal(t, []string{"hello", "world"}, got)
}

func TestCancelIsIdempotentAndEmitsTerminalError(t *testing.T) {
	r := New(DefaultConfig())
	var cancelled int
	_, err := r.Register("s1", func(reason string) { cancelled++ })
	require.NoError(t, err)
	ch, _ := r.Consume("s1")

	r.Cancel("s1", "client requested")
	r.Cancel("s1", "client requested")
	require.Equal(t, 1, cancelled)

	chunk, ok := <-ch
	require.True(t, ok)
	require.Equal(t, ChunkError, chunk.Kind)
	require.Error(t, chunk.Err)
}

func TestSweepTimeoutsCancelsIdleStreams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = time.Millisecond
	r := New(cfg)
	_, err := r.Register("s1", nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	r.SweepTimeouts()
	_, ok := r.Snapshot("s1")
	require.False(t, ok)
}

func TestRegisterRejectsOverActiveLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxActiveStreams = 1
	r := New(cfg)
	_, err := r.Register("s1", nil)
	require.NoError(t, err)
	_, err = r.Register("s2", nil)
	require.Error(t, err)
}
