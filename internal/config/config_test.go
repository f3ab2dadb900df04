package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, DurabilityImmediate, cfg.DurabilityMode)
	assert.Equal(t, int64(64*1024*1024), cfg.MaxWALSizeBytes)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("data_dir", "/tmp/kg-data")
	t.Setenv("durability_mode", "batched")
	t.Setenv("max_wal_size_bytes", "128MiB")
	t.Setenv("query_timeout_ms", "5000")

	cfg := Load()
	assert.Equal(t, "/tmp/kg-data", cfg.DataDir)
	assert.Equal(t, DurabilityBatched, cfg.DurabilityMode)
	assert.Equal(t, int64(128*1024*1024), cfg.MaxWALSizeBytes)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
}

func TestProductionWarning(t *testing.T) {
	cfg := Default()
	warn, _ := cfg.ProductionWarning()
	require.False(t, warn)

	cfg.DurabilityMode = DurabilityAsync
	warn, reason := cfg.ProductionWarning()
	require.True(t, warn)
	require.Contains(t, reason, "unbounded loss")
}
