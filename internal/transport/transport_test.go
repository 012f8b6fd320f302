package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreweave-labs/inferunner/internal/errs"
)

type fakeWorker struct {
	calls   int64
	respond func(method string, params []byte) ([]byte, error)
}

func (f *fakeWorker) Call(ctx context.Context, method string, params []byte) ([]byte, error) {
	atomic.AddInt64(&f.calls, 1)
	return f.respond(method, params)
}

func fastConfig() Config {
	c := DefaultConfig()
	c.Retry.InitialDelay = time.Millisecond
	c.Retry.MaxDelay = 5 * time.Millisecond
	return c
}

func TestCallRejectsOversizedPayload(t *testing.T) {
	w := &fakeWorker{respond: func(string, []byte) ([]byte, error) { return []byte("ok"), nil }}
	cfg := fastConfig()
	cfg.MaxLineBufferSize = 4
	tr := New(cfg, w)
	_, err := tr.Call(context.Background(), "tokenize", []byte("too long"))
	require.Error(t, err)
	require.Equal(t, errs.KindBufferOverflow, errs.KindOf(err))
	require.EqualValues(t, 0, w.calls)
}

func TestCallSucceeds(t *testing.T) {
	w := &fakeWorker{respond: func(string, []byte) ([]byte, error) { return []byte("pong"), nil }}
	tr := New(fastConfig(), w)
	out, err := tr.Call(context.Background(), "tokenize", []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "pong", string(out))
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	w := &fakeWorker{respond: func(string, []byte) ([]byte, error) {
		return nil, errs.New(errs.KindTransport, "boom")
	}}
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 2
	tr := New(cfg, w)

	for i := 0; i < 2; i++ {
		_, err := tr.Call(context.Background(), "tokenize", []byte("x"))
		require.Error(t, err)
	}
	require.Equal(t, "open", tr.BreakerState())

	_, err := tr.Call(context.Background(), "tokenize", []byte("x"))
	require.Error(t, err)
	require.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
}

func TestNonRetryableMethodDoesNotRetry(t *testing.T) {
	w := &fakeWorker{respond: func(string, []byte) ([]byte, error) {
		return nil, errs.New(errs.KindTransport, "boom")
	}}
	tr := New(fastConfig(), w)
	_, err := tr.Call(context.Background(), "generate", []byte("x"))
	require.Error(t, err)
	require.EqualValues(t, 1, w.calls)
}

func TestPublishStreamEventFansOutInOrder(t *testing.T) {
	w := &fakeWorker{respond: func(string, []byte) ([]byte, error) { return nil, nil }}
	tr := New(fastConfig(), w)
	var received []string
	tr.Subscribe(sinkFunc(func(ev StreamEvent) { received = append(received, ev.Kind) }))
	tr.PublishStreamEvent(StreamEvent{StreamID: "s1", Kind: "token"})
	tr.PublishStreamEvent(StreamEvent{StreamID: "s1", Kind: "completed"})
	require.Equal(t, []string{"token", "completed"}, received)
}

type sinkFunc func(ev StreamEvent)

func (f sinkFunc) Dispatch(ev StreamEvent) { f(ev) }
