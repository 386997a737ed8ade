package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]string{"--node_id=alpha"})
	require.NoError(t, err)
	require.Equal(t, "alpha", cfg.NodeID)
	require.Equal(t, defaultStateDir, cfg.StateDir)
	require.Equal(t, []string{defaultListenEndpoint}, cfg.ListenEndpoints)
	require.Equal(t, defaultStoreBackend, cfg.StoreBackend)
}

func TestLoadCommandLineOverridesDefaults(t *testing.T) {
	cfg, err := Load([]string{
		"--node_id=alpha",
		"--state_dir=/tmp/circuitd-alpha",
		"--listen=tcp://0.0.0.0:9001",
		"--listen=tcp://0.0.0.0:9002",
		"--store_backend=sql",
		"--store_dsn=sqlite:///tmp/circuitd-alpha/circuits.db",
	})
	require.NoError(t, err)
	require.Equal(t, "/tmp/circuitd-alpha", cfg.StateDir)
	require.Equal(t, []string{"tcp://0.0.0.0:9001", "tcp://0.0.0.0:9002"}, cfg.ListenEndpoints)
	require.Equal(t, "sql", cfg.StoreBackend)
}

func TestLoadRejectsSQLBackendWithoutDSN(t *testing.T) {
	_, err := Load([]string{"--node_id=alpha", "--store_backend=sql"})
	require.Error(t, err)
}

func TestLoadRejectsUnknownStoreBackend(t *testing.T) {
	_, err := Load([]string{"--node_id=alpha", "--store_backend=bogus"})
	require.Error(t, err)
}

func TestLoadReadsIniFile(t *testing.T) {
	dir := t.TempDir()
	iniPath := filepath.Join(dir, "circuitd.conf")
	require.NoError(t, os.WriteFile(iniPath, []byte("node_id = from-ini\nstore_backend = yaml\n"), 0o600))

	cfg, err := Load([]string{"--config=" + iniPath})
	require.NoError(t, err)
	require.Equal(t, "from-ini", cfg.NodeID)
}

func TestStorePathCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	cfg := defaults()
	cfg.StateDir = dir

	p, err := cfg.StorePath("circuits.yaml")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "circuits.yaml"), p)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
