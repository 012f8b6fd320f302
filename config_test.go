package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigReturnsDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoadConfigOverlaysYAMLOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	const doc = `
loglevel: debug
metricsbackend: otel
cluster:
  mode: controller
  routingstrategy: least_loaded
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "otel", cfg.MetricsBackend)
	require.Equal(t, ClusterController, cfg.Cluster.Mode)
	require.Equal(t, "least_loaded", cfg.Cluster.RoutingStrategy)
	require.Equal(t, Defaults().ModelManager, cfg.ModelManager)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: [unterminated"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
