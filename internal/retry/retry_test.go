package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreweave-labs/inferunner/internal/errs"
)

func fastConfig() Config {
	c := DefaultConfig()
	c.InitialDelay = time.Millisecond
	c.MaxDelay = 5 * time.Millisecond
	return c
}

func TestDoRetriesRetryableKindUntilSuccess(t *testing.T) {
	p := New(fastConfig())
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errs.New(errs.KindTransport, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, int64(1), p.Stats().Successful)
	require.Equal(t, int64(2), p.Stats().TotalRetries)
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	p := New(cfg)
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errs.New(errs.KindTransport, "always fails")
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, int64(1), p.Stats().Failed)
}

func TestDoDoesNotRetryNonRetryableKind(t *testing.T) {
	p := New(fastConfig())
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errs.New(errs.KindInvalidParams, "bad input")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, errs.KindInvalidParams, errs.KindOf(err))
}
