package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backfill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultSourceURL, cfg.SourceURL)
	assert.Equal(t, int64(1), cfg.MinID)
	assert.Zero(t, cfg.MaxID)
	assert.Equal(t, 15*time.Minute, cfg.LeaseTimeout)
	assert.False(t, cfg.Reset)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, `
dsn: postgres://backfill@localhost/hn
max_id: 5000
chunk_size: 250
workers: 8
item_retries: 0
lease_timeout: 5m
progress_interval: 500ms
refresh_schedule: "@every 10m"
log:
  level: debug
  format: json
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://backfill@localhost/hn", cfg.DSN)
	assert.Equal(t, int64(5000), cfg.MaxID)
	assert.Equal(t, int64(250), cfg.ChunkSize)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 0, cfg.ItemRetries, "explicit zero is kept")
	assert.Equal(t, 3, cfg.MaxAttempts, "unset keeps the default")
	assert.Equal(t, 5*time.Minute, cfg.LeaseTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, "@every 10m", cfg.RefreshSchedule)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 300, cfg.Concurrency)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	_, err = LoadFromFile(writeFile(t, "workers: [1, 2"))
	assert.ErrorContains(t, err, "parse config file")

	_, err = LoadFromFile(writeFile(t, "lease_timeout: soon"))
	assert.ErrorContains(t, err, "parse lease_timeout")
}

func TestLoadFromEnv(t *testing.T) {
	cfg := Default()
	err := cfg.loadFromEnv(envOf(map[string]string{
		"BACKFILL_DSN":           "sqlite://hn.db",
		"BACKFILL_WORKERS":       "12",
		"BACKFILL_MAX_ID":        "42",
		"BACKFILL_POLL_INTERVAL": "250ms",
		"BACKFILL_LOG_LEVEL":     "warn",
		"BACKFILL_BATCH_SIZE":    "  ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "sqlite://hn.db", cfg.DSN)
	assert.Equal(t, 12, cfg.Workers)
	assert.Equal(t, int64(42), cfg.MaxID)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 1000, cfg.BatchSize, "blank values are ignored")
}

func TestLoadFromEnv_InvalidNumber(t *testing.T) {
	cfg := Default()
	err := cfg.loadFromEnv(envOf(map[string]string{"BACKFILL_CHUNK_SIZE": "lots"}))
	assert.ErrorContains(t, err, "BACKFILL_CHUNK_SIZE")

	err = cfg.loadFromEnv(envOf(map[string]string{"BACKFILL_LEASE_TIMEOUT": "forever"}))
	assert.ErrorContains(t, err, "BACKFILL_LEASE_TIMEOUT")
}

func TestLoadFromEnv_Process(t *testing.T) {
	t.Setenv("BACKFILL_CONCURRENCY", "17")
	cfg := Default()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, 17, cfg.Concurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty dsn", func(c *Config) { c.DSN = " " }, "dsn"},
		{"empty source", func(c *Config) { c.SourceURL = "" }, "source_url"},
		{"min id zero", func(c *Config) { c.MinID = 0 }, "min_id"},
		{"negative max id", func(c *Config) { c.MaxID = -1 }, "max_id"},
		{"max below min", func(c *Config) { c.MinID, c.MaxID = 10, 5 }, "below min_id"},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }, "chunk_size"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"negative retries", func(c *Config) { c.ItemRetries = -1 }, "item_retries"},
		{"zero lease", func(c *Config) { c.LeaseTimeout = 0 }, "lease_timeout"},
		{"lease shorter than heartbeat", func(c *Config) { c.LeaseTimeout = 30 * time.Second }, "shorter than lease_timeout"},
		{"heartbeat equals lease", func(c *Config) { c.HeartbeatInterval = c.LeaseTimeout }, "heartbeat_interval"},
		{"confirm without reset", func(c *Config) { c.ConfirmReset = true }, "without reset"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_Clamps(t *testing.T) {
	cfg := Default()
	cfg.Workers = 100_000
	cfg.Concurrency = 1_000_000
	cfg.MaxAttempts = 1_000

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 256, cfg.Workers)
	assert.Equal(t, 1000, cfg.Concurrency)
	assert.Equal(t, 100, cfg.MaxAttempts)
}

func TestValidate_ShortLeaseWithMatchingHeartbeat(t *testing.T) {
	cfg := Default()
	cfg.LeaseTimeout = 30 * time.Second
	cfg.HeartbeatInterval = 10 * time.Second

	require.NoError(t, cfg.Validate())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("Warning").String())
	assert.Equal(t, "ERROR", ParseLevel("error").String())
	assert.Equal(t, "INFO", ParseLevel("chatty").String())
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backfill.log")
	logger, closer := LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}.NewLogger()

	logger.Info("chunk completed", "chunk_id", 7)
	logger.Debug("hidden")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"msg":"chunk completed"`)
	assert.Contains(t, out, `"chunk_id":7`)
	assert.False(t, strings.Contains(out, "hidden"))
}

func TestNewLogger_Stderr(t *testing.T) {
	logger, closer := LogConfig{Level: "debug"}.NewLogger()
	assert.True(t, logger.Enabled(context.Background(), ParseLevel("debug")))
	assert.NoError(t, closer.Close())
}
