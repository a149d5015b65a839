// Package config holds the run configuration of a backfill.
//
// A Config is built from Default, optionally a YAML file, environment
// variables with the BACKFILL_ prefix and finally command-line flags. Once
// built it is treated as immutable and passed by value.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/simple-backfill/pkg/security"
	"github.com/jdziat/simple-backfill/pkg/source"
)

// DefaultSourceURL is the Hacker News v0 API.
const DefaultSourceURL = source.DefaultBaseURL

// Config defines a backfill run.
type Config struct {
	DSN       string
	SourceURL string

	MinID     int64
	MaxID     int64 // 0 means ask the source for maxitem
	ChunkSize int64

	Workers     int
	Concurrency int
	BatchSize   int
	ItemRetries int
	MaxAttempts int

	LeaseTimeout      time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ProgressInterval  time.Duration
	RequestTimeout    time.Duration

	// RefreshSchedule re-reads maxitem and extends the queue. Accepts a
	// bare interval, a cron expression or "@every <duration>". Empty
	// disables refreshing.
	RefreshSchedule string

	Reset        bool
	ConfirmReset bool

	StatusAddr string
	Log        LogConfig
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	File       string // empty logs to stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	SQLLevel   string // GORM logger: silent, error, warn, info
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		DSN:               "backfill.db",
		SourceURL:         DefaultSourceURL,
		MinID:             1,
		ChunkSize:         10_000,
		Workers:           4,
		Concurrency:       300,
		BatchSize:         1000,
		ItemRetries:       3,
		MaxAttempts:       3,
		LeaseTimeout:      15 * time.Minute,
		HeartbeatInterval: time.Minute,
		PollInterval:      time.Second,
		ProgressInterval:  2 * time.Second,
		RequestTimeout:    10 * time.Second,
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			SQLLevel:   "warn",
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	DSN               string  `yaml:"dsn"`
	SourceURL         string  `yaml:"source_url"`
	MinID             int64   `yaml:"min_id"`
	MaxID             int64   `yaml:"max_id"`
	ChunkSize         int64   `yaml:"chunk_size"`
	Workers           int     `yaml:"workers"`
	Concurrency       int     `yaml:"concurrency"`
	BatchSize         int     `yaml:"batch_size"`
	ItemRetries       *int    `yaml:"item_retries"`
	MaxAttempts       *int    `yaml:"max_attempts"`
	LeaseTimeout      string  `yaml:"lease_timeout"`
	HeartbeatInterval string  `yaml:"heartbeat_interval"`
	PollInterval      string  `yaml:"poll_interval"`
	ProgressInterval  string  `yaml:"progress_interval"`
	RequestTimeout    string  `yaml:"request_timeout"`
	RefreshSchedule   string  `yaml:"refresh_schedule"`
	StatusAddr        string  `yaml:"status_addr"`
	Log               yamlLog `yaml:"log"`
}

type yamlLog struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	SQLLevel   string `yaml:"sql_level"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
// The destructive reset flags are deliberately not read from files.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	setString(&cfg.DSN, yc.DSN)
	setString(&cfg.SourceURL, yc.SourceURL)
	setInt64(&cfg.MinID, yc.MinID)
	setInt64(&cfg.MaxID, yc.MaxID)
	setInt64(&cfg.ChunkSize, yc.ChunkSize)
	setInt(&cfg.Workers, yc.Workers)
	setInt(&cfg.Concurrency, yc.Concurrency)
	setInt(&cfg.BatchSize, yc.BatchSize)
	if yc.ItemRetries != nil {
		cfg.ItemRetries = *yc.ItemRetries
	}
	if yc.MaxAttempts != nil {
		cfg.MaxAttempts = *yc.MaxAttempts
	}
	setString(&cfg.RefreshSchedule, yc.RefreshSchedule)
	setString(&cfg.StatusAddr, yc.StatusAddr)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"lease_timeout", yc.LeaseTimeout, &cfg.LeaseTimeout},
		{"heartbeat_interval", yc.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"poll_interval", yc.PollInterval, &cfg.PollInterval},
		{"progress_interval", yc.ProgressInterval, &cfg.ProgressInterval},
		{"request_timeout", yc.RequestTimeout, &cfg.RequestTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	setString(&cfg.Log.Level, yc.Log.Level)
	setString(&cfg.Log.Format, yc.Log.Format)
	setString(&cfg.Log.File, yc.Log.File)
	setInt(&cfg.Log.MaxSizeMB, yc.Log.MaxSizeMB)
	setInt(&cfg.Log.MaxBackups, yc.Log.MaxBackups)
	setInt(&cfg.Log.MaxAgeDays, yc.Log.MaxAgeDays)
	setString(&cfg.Log.SQLLevel, yc.Log.SQLLevel)

	return cfg, nil
}

// LoadFromEnv applies environment variables with the BACKFILL_ prefix.
func (c *Config) LoadFromEnv() error {
	return c.loadFromEnv(os.LookupEnv)
}

func (c *Config) loadFromEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup("BACKFILL_" + key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("DSN"); ok {
		c.DSN = v
	}
	if v, ok := get("SOURCE_URL"); ok {
		c.SourceURL = v
	}
	if v, ok := get("REFRESH_SCHEDULE"); ok {
		c.RefreshSchedule = v
	}
	if v, ok := get("STATUS_ADDR"); ok {
		c.StatusAddr = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := get("LOG_FILE"); ok {
		c.Log.File = v
	}

	int64s := map[string]*int64{
		"MIN_ID":     &c.MinID,
		"MAX_ID":     &c.MaxID,
		"CHUNK_SIZE": &c.ChunkSize,
	}
	for key, dst := range int64s {
		if v, ok := get(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("parse BACKFILL_%s: %w", key, err)
			}
			*dst = n
		}
	}

	ints := map[string]*int{
		"WORKERS":      &c.Workers,
		"CONCURRENCY":  &c.Concurrency,
		"BATCH_SIZE":   &c.BatchSize,
		"ITEM_RETRIES": &c.ItemRetries,
		"MAX_ATTEMPTS": &c.MaxAttempts,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse BACKFILL_%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"LEASE_TIMEOUT":      &c.LeaseTimeout,
		"HEARTBEAT_INTERVAL": &c.HeartbeatInterval,
		"POLL_INTERVAL":      &c.PollInterval,
		"PROGRESS_INTERVAL":  &c.ProgressInterval,
		"REQUEST_TIMEOUT":    &c.RequestTimeout,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse BACKFILL_%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks the configuration and clamps tunables into their limits.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("config: dsn is required")
	}
	if strings.TrimSpace(c.SourceURL) == "" {
		return errors.New("config: source_url is required")
	}
	if c.MinID < 1 {
		return fmt.Errorf("config: min_id must be at least 1, got %d", c.MinID)
	}
	if c.MaxID < 0 {
		return fmt.Errorf("config: max_id must not be negative, got %d", c.MaxID)
	}
	if c.MaxID != 0 && c.MaxID < c.MinID {
		return fmt.Errorf("config: max_id %d is below min_id %d", c.MaxID, c.MinID)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("config: chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.Workers < 1 || c.Concurrency < 1 || c.BatchSize < 1 {
		return errors.New("config: workers, concurrency and batch_size must be positive")
	}
	if c.ItemRetries < 0 || c.MaxAttempts < 0 {
		return errors.New("config: item_retries and max_attempts must not be negative")
	}
	if c.LeaseTimeout <= 0 || c.HeartbeatInterval <= 0 {
		return errors.New("config: lease_timeout and heartbeat_interval must be positive")
	}
	if c.HeartbeatInterval >= c.LeaseTimeout {
		return fmt.Errorf("config: heartbeat_interval %s must be shorter than lease_timeout %s",
			c.HeartbeatInterval, c.LeaseTimeout)
	}
	if c.ConfirmReset && !c.Reset {
		return errors.New("config: confirmation given without reset")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}

	c.ChunkSize = security.ClampChunkSize(c.ChunkSize)
	c.Workers = security.ClampWorkers(c.Workers)
	c.Concurrency = security.ClampConcurrency(c.Concurrency)
	c.BatchSize = security.ClampBatchSize(c.BatchSize)
	c.ItemRetries = security.ClampItemRetries(c.ItemRetries)
	c.MaxAttempts = security.ClampAttempts(c.MaxAttempts)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setInt64(dst *int64, v int64) {
	if v != 0 {
		*dst = v
	}
}
