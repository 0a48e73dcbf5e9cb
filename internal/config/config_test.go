package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults_ValidatesClean(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, Validate(cfg))
}

func TestValidate_RejectsBadBeta(t *testing.T) {
	cfg := Defaults()
	cfg.Belief.EMABeta = 1.5
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "belief.ema_beta")
}

func TestValidate_AggregatesMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Belief.EMABeta = -1
	cfg.Safety.MaxHoldSec = -1
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "belief.ema_beta")
	require.Contains(t, err.Error(), "safety.max_hold_sec")
}

func TestLoad_OverridesDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: test-node\nbelief:\n  ema_beta: 0.5\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "test-node", cfg.NodeID)
	require.Equal(t, 0.5, cfg.Belief.EMABeta)
	require.Equal(t, 8.0, cfg.Estimator.Tau, "omitted fields keep their default")
}

func TestLoad_RejectsInvalidOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hashing:\n  scale: 7\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
