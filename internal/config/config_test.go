package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clearsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.ETL.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.ETL.Overlap)
	assert.Equal(t, 5000, cfg.ETL.MaxBatchRows)
	assert.Equal(t, "sequential", cfg.Scheduler.Mode)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "clearsync.db", cfg.Target.Path)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
source:
  dsn: postgres://readonly@src:5432/clearsight
  query_timeout: 10s
etl:
  poll_interval: 1m
  max_batch_rows: 100
scheduler:
  mode: concurrent
  max_concurrent: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://readonly@src:5432/clearsight", cfg.Source.DSN)
	assert.Equal(t, 10*time.Second, cfg.Source.QueryTimeout)
	assert.Equal(t, time.Minute, cfg.ETL.PollInterval)
	assert.Equal(t, 100, cfg.ETL.MaxBatchRows)
	assert.Equal(t, "concurrent", cfg.Scheduler.Mode)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrent)
	// Untouched fields keep their defaults.
	assert.Equal(t, 90*time.Second, cfg.ETL.Overlap)
}

func TestLoadUnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, "etl:\n  pol_interval: 1m\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "etl:\n  poll_interval: 1m\n")
	t.Setenv("CLEARSYNC_POLL_INTERVAL", "5s")
	t.Setenv("CLEARSYNC_SOURCE_DSN", "postgres://env@host/db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ETL.PollInterval)
	assert.Equal(t, "postgres://env@host/db", cfg.Source.DSN)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll interval", func(c *Config) { c.ETL.PollInterval = 0 }},
		{"negative overlap", func(c *Config) { c.ETL.Overlap = -time.Second }},
		{"zero batch", func(c *Config) { c.ETL.MaxBatchRows = 0 }},
		{"bad mode", func(c *Config) { c.Scheduler.Mode = "parallel" }},
		{"empty target", func(c *Config) { c.Target.Path = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBadDurationString(t *testing.T) {
	path := writeConfig(t, "etl:\n  poll_interval: thirty\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval")
}
