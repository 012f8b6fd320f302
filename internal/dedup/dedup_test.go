package dedup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinOrStartCoalescesIdenticalFingerprint(t *testing.T) {
	d := New(DefaultConfig())
	fp := Fingerprint(Params{ModelID: "m", Prompt: "hi", Seed: 1})

	fut1, leader1 := d.JoinOrStart(fp, 10)
	fut2, leader2 := d.JoinOrStart(fp, 10)
	require.True(t, leader1)
	require.False(t, leader2)
	require.Same(t, fut1, fut2)

	fut1.Settle("final text", nil)
	res, err := fut2.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "final text", res)
}

func TestRemoveAllowsFreshGenerationAfterFailure(t *testing.T) {
	d := New(DefaultConfig())
	fp := Fingerprint(Params{ModelID: "m", Prompt: "hi"})

	fut1, _ := d.JoinOrStart(fp, 10)
	fut1.Settle(nil, context.Canceled)
	d.Remove(fp)

	fut2, leader := d.JoinOrStart(fp, 10)
	require.True(t, leader)
	require.NotSame(t, fut1, fut2)
}

func TestOversizedPayloadBypassesCache(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayloadBytes = 4
	d := New(cfg)
	fp := Fingerprint(Params{ModelID: "m", Prompt: "hi"})

	fut1, leader1 := d.JoinOrStart(fp, 100)
	fut2, leader2 := d.JoinOrStart(fp, 100)
	require.True(t, leader1)
	require.True(t, leader2)
	require.NotSame(t, fut1, fut2)
	require.Equal(t, 0, d.Len())
}
