package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Postgres.Enabled)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, ":9090", cfg.GRPC.Addr)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 50*time.Millisecond, cfg.Persist.FlushTimeout)
	assert.Equal(t, time.Second, cfg.Liquidation.SweepInterval)

	ratio, err := cfg.MaintenanceMarginRatio()
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), ratio)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
grpc:
  addr: ":7000"
postgres:
  enabled: true
liquidation:
  maintenance_margin_ratio: "0.25"
  sweep_interval: 250ms
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("MLEDGER_GRPC_ADDR", ":7001")
	t.Setenv("MLEDGER_PERSIST_BATCH_SIZE", "32")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, ":7001", cfg.GRPC.Addr)
	assert.True(t, cfg.Postgres.Enabled)
	assert.Equal(t, 32, cfg.Persist.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Liquidation.SweepInterval)

	ratio, err := cfg.MaintenanceMarginRatio()
	require.NoError(t, err)
	assert.Equal(t, int64(250_000), ratio)
}

func TestLoadConfig_RejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"ratio above one":   "MLEDGER_LIQUIDATION_MAINTENANCE_MARGIN_RATIO=1.5",
		"ratio not decimal": "MLEDGER_LIQUIDATION_MAINTENANCE_MARGIN_RATIO=ten",
		"zero batch":        "MLEDGER_PERSIST_BATCH_SIZE=0",
		"zero channel":      "MLEDGER_PUBLISH_CHAN_SIZE=0",
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			k, v, _ := strings.Cut(kv, "=")
			t.Setenv(k, v)
			_, err := LoadConfig(t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("grpc: [unclosed"), 0o644))
	_, err := LoadConfig(dir)
	assert.Error(t, err)
}
