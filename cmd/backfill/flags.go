package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jdziat/simple-backfill/pkg/config"
	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/storage"
)

// commandFlags binds the configuration flags shared by every command.
// Values only override the file and environment when set explicitly.
type commandFlags struct {
	fs         *flag.FlagSet
	configPath string
	values     config.Config
	quiet      bool
}

func newCommandFlags(name, usage string) *commandFlags {
	d := config.Default()
	c := &commandFlags{
		fs:     flag.NewFlagSet(name, flag.ContinueOnError),
		values: d,
	}
	fs := c.fs
	v := &c.values

	fs.StringVar(&c.configPath, "config", "", "YAML config file")
	fs.StringVar(&v.DSN, "dsn", d.DSN, "Store DSN: sqlite path, postgres://... or mysql://...")
	fs.StringVar(&v.SourceURL, "source-url", d.SourceURL, "Item API base URL")
	fs.Int64Var(&v.MinID, "min-id", d.MinID, "First ID to fetch")
	fs.Int64Var(&v.MaxID, "max-id", d.MaxID, "Last ID to fetch (0 asks the source for maxitem)")
	fs.Int64Var(&v.ChunkSize, "chunk-size", d.ChunkSize, "IDs per chunk")
	fs.IntVar(&v.Workers, "workers", d.Workers, "Number of workers")
	fs.IntVar(&v.Concurrency, "concurrency", d.Concurrency, "In-flight requests per worker")
	fs.IntVar(&v.BatchSize, "batch-size", d.BatchSize, "Items per store write")
	fs.IntVar(&v.ItemRetries, "item-retries", d.ItemRetries, "Retries per ID on transient errors")
	fs.IntVar(&v.MaxAttempts, "max-attempts", d.MaxAttempts, "Failed attempts before a chunk is terminal")
	fs.DurationVar(&v.LeaseTimeout, "lease-timeout", d.LeaseTimeout, "Claim lease without heartbeat")
	fs.DurationVar(&v.HeartbeatInterval, "heartbeat-interval", d.HeartbeatInterval, "Claim refresh interval, shorter than -lease-timeout")
	fs.DurationVar(&v.PollInterval, "poll-interval", d.PollInterval, "Idle poll interval")
	fs.DurationVar(&v.ProgressInterval, "progress-interval", d.ProgressInterval, "Progress readout interval")
	fs.DurationVar(&v.RequestTimeout, "request-timeout", d.RequestTimeout, "Per-request timeout")
	fs.StringVar(&v.RefreshSchedule, "refresh", d.RefreshSchedule, `Re-read maxitem on this schedule, e.g. "10m" or "0 * * * *"`)
	fs.BoolVar(&v.Reset, "reset", false, "Delete all chunks and items before starting")
	fs.BoolVar(&v.ConfirmReset, "yes", false, "Confirm -reset")
	fs.StringVar(&v.StatusAddr, "status-addr", d.StatusAddr, "Serve GET /progress on this address")
	fs.StringVar(&v.Log.Level, "log-level", d.Log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&v.Log.Format, "log-format", d.Log.Format, "Log format: text or json")
	fs.StringVar(&v.Log.File, "log-file", d.Log.File, "Log to this file with rotation")
	fs.StringVar(&v.Log.SQLLevel, "sql-log-level", d.Log.SQLLevel, "SQL log level: silent, error, warn, info")
	fs.BoolVar(&c.quiet, "quiet", false, "Suppress the progress line")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: backfill %s [options]\n\n%s\n\nOptions:\n", name, usage)
		fs.PrintDefaults()
	}
	return c
}

// load parses args and builds the configuration: defaults, then the
// config file, then BACKFILL_* variables, then explicitly set flags.
func (c *commandFlags) load(args []string) (config.Config, error) {
	if err := c.fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if c.fs.NArg() > 0 {
		return config.Config{}, fmt.Errorf("unexpected arguments: %v", c.fs.Args())
	}

	cfg := config.Default()
	if c.configPath != "" {
		loaded, err := config.LoadFromFile(c.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	v := c.values
	c.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dsn":
			cfg.DSN = v.DSN
		case "source-url":
			cfg.SourceURL = v.SourceURL
		case "min-id":
			cfg.MinID = v.MinID
		case "max-id":
			cfg.MaxID = v.MaxID
		case "chunk-size":
			cfg.ChunkSize = v.ChunkSize
		case "workers":
			cfg.Workers = v.Workers
		case "concurrency":
			cfg.Concurrency = v.Concurrency
		case "batch-size":
			cfg.BatchSize = v.BatchSize
		case "item-retries":
			cfg.ItemRetries = v.ItemRetries
		case "max-attempts":
			cfg.MaxAttempts = v.MaxAttempts
		case "lease-timeout":
			cfg.LeaseTimeout = v.LeaseTimeout
		case "heartbeat-interval":
			cfg.HeartbeatInterval = v.HeartbeatInterval
		case "poll-interval":
			cfg.PollInterval = v.PollInterval
		case "progress-interval":
			cfg.ProgressInterval = v.ProgressInterval
		case "request-timeout":
			cfg.RequestTimeout = v.RequestTimeout
		case "refresh":
			cfg.RefreshSchedule = v.RefreshSchedule
		case "reset":
			cfg.Reset = v.Reset
		case "yes":
			cfg.ConfirmReset = v.ConfirmReset
		case "status-addr":
			cfg.StatusAddr = v.StatusAddr
		case "log-level":
			cfg.Log.Level = v.Log.Level
		case "log-format":
			cfg.Log.Format = v.Log.Format
		case "log-file":
			cfg.Log.File = v.Log.File
		case "sql-log-level":
			cfg.Log.SQLLevel = v.Log.SQLLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// setupLogger installs the configured logger as the slog default.
func setupLogger(cfg config.Config) (*slog.Logger, io.Closer) {
	logger, closer := cfg.Log.NewLogger()
	slog.SetDefault(logger)
	return logger, closer
}

// openStore connects, pings and migrates the store.
func openStore(ctx context.Context, cfg config.Config) (*storage.GormStorage, error) {
	db, err := storage.Open(cfg.DSN, storage.GormLogger(cfg.Log.SQLLevel), storage.ForWorkers(cfg.Workers))
	if err != nil {
		return nil, core.Fatal("open store", err)
	}
	store := storage.NewGormStorage(db,
		storage.MaxAttempts(cfg.MaxAttempts),
		storage.LeaseTimeout(cfg.LeaseTimeout))
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, core.Fatal("connect store", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, core.Fatal("migrate", err)
	}
	return store, nil
}
