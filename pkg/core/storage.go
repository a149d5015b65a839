package core

import (
	"context"
	"time"
)

// Starter is the interface for starting workers.
type Starter interface {
	Start(ctx context.Context) error
}

// ChunkQueue is the durable work queue partitioning the ID space.
// Every mutating method is a single atomic transition in the backing store,
// so callers never need a cross-process lock.
type ChunkQueue interface {
	// Seed creates pending chunks covering [minID, maxID]. Idempotent.
	Seed(ctx context.Context, minID, maxID, chunkSize int64) (int, error)
	// Extend seeds from the current high-water mark up to maxID.
	Extend(ctx context.Context, maxID, chunkSize int64) (int, error)
	// HighWater returns the largest range_end, or 0 when unseeded.
	HighWater(ctx context.Context) (int64, error)

	// ClaimNext atomically claims the lowest eligible chunk.
	// Returns nil, nil when nothing is eligible.
	ClaimNext(ctx context.Context, workerID string) (*Chunk, error)
	Complete(ctx context.Context, chunkID uint, workerID string) error
	Fail(ctx context.Context, chunkID uint, workerID string, reason string) (ChunkStatus, error)
	Heartbeat(ctx context.Context, chunkID uint, workerID string) error

	// Recovery
	RecoverStale(ctx context.Context) (int64, error)
	ReleaseExpired(ctx context.Context, lease time.Duration) (int64, error)
	RetryFailed(ctx context.Context) (int64, error)

	// Queries
	GetChunk(ctx context.Context, chunkID uint) (*Chunk, error)
	Progress(ctx context.Context) (Progress, error)
	FailedChunks(ctx context.Context, limit int) ([]*Chunk, error)
}

// ItemStore is the idempotent sink for fetched items.
type ItemStore interface {
	// UpsertBatch writes all items in one transaction; last write wins.
	UpsertBatch(ctx context.Context, items []*Item) error

	GetItem(ctx context.Context, id int64) (*Item, error)
	Children(ctx context.Context, id int64) ([]int64, error)
	CountItems(ctx context.Context) (ok int64, tombstones int64, err error)
}

// Storage is the full persistence layer used by the dispatcher.
type Storage interface {
	ChunkQueue
	ItemStore

	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error
	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
	// Truncate removes every chunk and item. Destructive.
	Truncate(ctx context.Context) error
}
