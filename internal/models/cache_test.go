package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreweave-labs/inferunner/internal/types"
)

func TestStoreThenLookupHits(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "weights.bin"), []byte("0123456789"), 0o644))

	c, err := New(Config{Directory: filepath.Join(dir, "store"), MaxEntries: 8})
	require.NoError(t, err)
	defer c.Close()

	desc := types.ModelDescriptor{ID: "llama-7b", Revision: "main", Quantization: types.QuantInt8}
	res, err := c.Store(desc, Opts{}, src, map[string]any{"family": "llama"})
	require.NoError(t, err)
	require.Equal(t, int64(10), res.SizeBytes)

	lookup := c.Lookup(desc, Opts{})
	require.True(t, lookup.Hit)
	require.Equal(t, res.Hash, lookup.Entry.Hash)
}

func TestStoreIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	src1 := filepath.Join(dir, "src1")
	require.NoError(t, os.MkdirAll(src1, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src1, "a"), []byte("x"), 0o644))

	c, err := New(Config{Directory: filepath.Join(dir, "store"), MaxEntries: 8})
	require.NoError(t, err)
	defer c.Close()

	desc := types.ModelDescriptor{ID: "m", Revision: "r"}
	res1, err := c.Store(desc, Opts{}, src1, nil)
	require.NoError(t, err)

	src2 := filepath.Join(dir, "src2")
	require.NoError(t, os.MkdirAll(src2, 0o755))
	res2, err := c.Store(desc, Opts{}, src2, nil)
	require.NoError(t, err)
	require.Equal(t, res1.Hash, res2.Hash)
	require.Equal(t, res1.SizeBytes, res2.SizeBytes)
}

func TestDisabledCacheAlwaysMisses(t *testing.T) {
	c, err := New(Config{Disabled: true, MaxEntries: 8})
	require.NoError(t, err)
	defer c.Close()

	desc := types.ModelDescriptor{ID: "m"}
	lookup := c.Lookup(desc, Opts{})
	require.False(t, lookup.Hit)
	health := c.GetHealth()
	require.True(t, health.Disabled)
}

func TestValidateDescriptorRejectsTraversal(t *testing.T) {
	err := ValidateDescriptor(types.ModelDescriptor{ID: "../../etc/passwd"}, nil, nil)
	require.Error(t, err)
}

func TestValidateDescriptorRejectsEncodedTraversal(t *testing.T) {
	err := ValidateDescriptor(types.ModelDescriptor{ID: "..%2F..%2Fetc%2Fpasswd"}, nil, nil)
	require.Error(t, err)
}

func TestValidateDescriptorAcceptsHubNamespacedID(t *testing.T) {
	err := ValidateDescriptor(types.ModelDescriptor{ID: "meta-llama/Llama-3-8B-Instruct"}, nil, nil)
	require.NoError(t, err)
}

func TestValidateDescriptorRejectsInvalidCharacters(t *testing.T) {
	err := ValidateDescriptor(types.ModelDescriptor{ID: "model id with spaces"}, nil, nil)
	require.Error(t, err)
}

func TestValidateDescriptorRejectsPathOutsideTrustedDirs(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	err := ValidateDescriptor(
		types.ModelDescriptor{ID: "m", LocalPath: filepath.Join(outside, "weights")},
		[]string{dir}, func(string) bool { return true },
	)
	require.Error(t, err)
}

func TestValidateDescriptorAcceptsPathInsideTrustedDirs(t *testing.T) {
	dir := t.TempDir()
	err := ValidateDescriptor(
		types.ModelDescriptor{ID: "m", LocalPath: filepath.Join(dir, "weights")},
		[]string{dir}, func(string) bool { return true },
	)
	require.NoError(t, err)
}
