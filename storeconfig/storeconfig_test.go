package storeconfig

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "yangstore.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)

	cfg2, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.NATS.URL, cfg2.NATS.URL)
}

func TestValidateRejectsMissingNATSURL(t *testing.T) {
	cfg := Default()
	cfg.NATS.URL = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateModules(t *testing.T) {
	cfg := Default()
	cfg.Modules = []ModuleConfig{
		{Name: "m1", Revision: "2024-01-01"},
		{Name: "m1", Revision: "2024-02-01"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate module")
}

func TestValidateRequiresMetricsAddrWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ""
	require.Error(t, cfg.Validate())

	cfg.Metrics.Enabled = false
	require.NoError(t, cfg.Validate())
}
