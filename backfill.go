// Package backfill downloads a numbered item space into a SQL store with
// many cooperating, crash-safe workers.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	cfg := backfill.DefaultConfig()
//	cfg.MaxID = 100_000
//
//	store, _ := backfill.Open(ctx, "backfill.db", backfill.MaxAttempts(cfg.MaxAttempts))
//	defer store.Close()
//
//	d := backfill.NewDispatcher(store, backfill.HTTPSource(cfg), cfg)
//	summary, err := d.Run(ctx)
package backfill

import (
	"context"
	"fmt"

	"github.com/jdziat/simple-backfill/pkg/config"
	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/dispatcher"
	"github.com/jdziat/simple-backfill/pkg/security"
	"github.com/jdziat/simple-backfill/pkg/source"
	"github.com/jdziat/simple-backfill/pkg/storage"
	"github.com/jdziat/simple-backfill/pkg/worker"
)

// Type aliases
type (
	// Chunk is one contiguous, claimable span of IDs.
	Chunk = core.Chunk

	// ChunkStatus is the lifecycle state of a chunk.
	ChunkStatus = core.ChunkStatus

	// Progress is a snapshot of chunk counts by status.
	Progress = core.Progress

	// Item is one stored ID.
	Item = core.Item

	// Source fetches items and the current max ID.
	Source = core.Source

	// Storage is the full persistence layer.
	Storage = core.Storage

	// Event is the interface for all worker events.
	Event = core.Event

	// TransientFetchError is a retryable failure fetching one ID.
	TransientFetchError = core.TransientFetchError

	// StoreWriteError is a failed write against the store.
	StoreWriteError = core.StoreWriteError

	// FatalStartupError aborts a run before workers launch.
	FatalStartupError = core.FatalStartupError

	// Config describes a run.
	Config = config.Config

	// Dispatcher seeds the queue and runs the workers.
	Dispatcher = dispatcher.Dispatcher

	// Summary describes a finished run.
	Summary = dispatcher.Summary

	// Worker claims chunks and fetches their items.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// StorageOption configures a GormStorage.
	StorageOption = storage.Option
)

// Status constants
const (
	ChunkPending = core.ChunkPending
	ChunkClaimed = core.ChunkClaimed
	ChunkDone    = core.ChunkDone
	ChunkFailed  = core.ChunkFailed
)

// Security limits
const (
	MaxWorkers     = security.MaxWorkers
	MaxConcurrency = security.MaxConcurrency
	MaxBatchSize   = security.MaxBatchSize
	MaxChunkSize   = security.MaxChunkSize
)

// Error variables
var (
	ErrChunkNotOwned     = core.ErrChunkNotOwned
	ErrClaimConflict     = core.ErrClaimConflict
	ErrInvalidRange      = core.ErrInvalidRange
	ErrResetNotConfirmed = core.ErrResetNotConfirmed
)

// Storage options
var (
	MaxAttempts  = storage.MaxAttempts
	LeaseTimeout = storage.LeaseTimeout
)

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	return config.Default()
}

// Open connects to dsn, checks the store is reachable and creates the schema.
func Open(ctx context.Context, dsn string, opts ...StorageOption) (*GormStorage, error) {
	db, err := storage.Open(dsn, nil)
	if err != nil {
		return nil, err
	}
	s := storage.NewGormStorage(db, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// HTTPSource returns a factory of HTTP clients for cfg.SourceURL.
func HTTPSource(cfg Config) func() Source {
	return func() Source {
		opts := source.DefaultOptions()
		opts.BaseURL = cfg.SourceURL
		opts.MaxIdleConnsPerHost = cfg.Concurrency
		opts.Timeout = cfg.RequestTimeout
		return source.NewClient(opts)
	}
}

// NewDispatcher creates a dispatcher for one run.
func NewDispatcher(s Storage, newSource func() Source, cfg Config, opts ...dispatcher.Option) *Dispatcher {
	return dispatcher.New(s, newSource, cfg, opts...)
}

// NewWorker creates a standalone worker.
func NewWorker(s worker.Store, src Source, opts ...WorkerOption) *Worker {
	return worker.NewWorker(s, src, opts...)
}
