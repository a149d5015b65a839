package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/security"
)

// Store is the part of the persistence layer a worker touches.
type Store interface {
	core.ChunkQueue
	core.ItemStore
}

// Stats are cumulative counters of one worker.
type Stats struct {
	ChunksCompleted int64
	ChunksRequeued  int64
	ChunksFailed    int64
	ItemsWritten    int64
	Tombstones      int64
	ItemsSkipped    int64
}

// Worker claims chunks, fetches their IDs and writes the results.
type Worker struct {
	store  Store
	source core.Source
	config WorkerConfig
	logger *slog.Logger

	chunksCompleted atomic.Int64
	chunksRequeued  atomic.Int64
	chunksFailed    atomic.Int64
	itemsWritten    atomic.Int64
	tombstones      atomic.Int64
	itemsSkipped    atomic.Int64
}

// NewWorker creates a new worker reading from src and writing to store.
func NewWorker(store Store, src core.Source, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		WorkerID:          uuid.New().String(),
		Concurrency:       DefaultConcurrency,
		BatchSize:         DefaultBatchSize,
		PollInterval:      DefaultPollInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ExitWhenIdle:      true,
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	// Set default retry configs if not specified
	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.ItemRetry == nil {
		itemCfg := DefaultItemRetryConfig()
		config.ItemRetry = &itemCfg
	}
	if config.ClaimRetry == nil {
		// Use longer backoff for claims to avoid hammering DB during outages
		claimCfg := RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.2,
		}
		config.ClaimRetry = &claimCfg
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := security.ValidateWorkerID(config.WorkerID); err != nil {
		generated := uuid.New().String()
		logger.Warn("invalid worker id replaced", "requested", config.WorkerID, "worker_id", generated)
		config.WorkerID = generated
	}

	return &Worker{
		store:  store,
		source: src,
		config: config,
		logger: logger.With("worker_id", config.WorkerID),
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// Config returns a copy of the worker's configuration.
func (w *Worker) Config() WorkerConfig {
	return w.config
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		ChunksCompleted: w.chunksCompleted.Load(),
		ChunksRequeued:  w.chunksRequeued.Load(),
		ChunksFailed:    w.chunksFailed.Load(),
		ItemsWritten:    w.itemsWritten.Load(),
		Tombstones:      w.tombstones.Load(),
		ItemsSkipped:    w.itemsSkipped.Load(),
	}
}

// Start processes chunks until the queue is exhausted or ctx is cancelled.
// It returns nil when the worker ran out of work and ctx.Err() on
// cancellation.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker started",
		"concurrency", w.config.Concurrency,
		"batch_size", w.config.BatchSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := w.claimWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, core.ErrClaimConflict) {
				w.logger.Error("failed to claim chunk after retries", "error", err)
			}
			if err := sleep(ctx, w.config.PollInterval); err != nil {
				return err
			}
			continue
		}

		if chunk == nil {
			done, err := w.idle(ctx)
			if err != nil {
				return err
			}
			if done {
				w.logger.Info("worker finished", "chunks_completed", w.chunksCompleted.Load())
				return nil
			}
			continue
		}

		w.processChunk(ctx, chunk)
	}
}

// idle decides what to do when nothing was claimable. It returns true when
// the worker should exit and sleeps otherwise.
func (w *Worker) idle(ctx context.Context) (bool, error) {
	p, err := w.store.Progress(ctx)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		w.logger.Warn("failed to read progress", "error", err)
	case p.Total == 0:
		w.logger.Debug("queue not seeded yet")
	case p.Pending > 0:
		// Lost a race for the last pending chunks; claim again right away.
		return false, nil
	case w.config.ExitWhenIdle:
		return true, nil
	}
	return false, sleep(ctx, w.config.PollInterval)
}

// claimWithRetry attempts to claim a chunk with exponential backoff on failure.
func (w *Worker) claimWithRetry(ctx context.Context) (*core.Chunk, error) {
	var chunk *core.Chunk
	err := retryWithBackoff(ctx, *w.config.ClaimRetry, func() error {
		var claimErr error
		chunk, claimErr = w.store.ClaimNext(ctx, w.config.WorkerID)
		return claimErr
	})
	return chunk, err
}

// chunkRun tracks one chunk attempt.
type chunkRun struct {
	chunk      *core.Chunk
	written    atomic.Int64
	tombstones atomic.Int64
	skipped    atomic.Int64

	mu       sync.Mutex
	firstErr error
}

func (r *chunkRun) skip(err error) {
	r.skipped.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstErr == nil {
		r.firstErr = err
	}
}

func (w *Worker) processChunk(ctx context.Context, chunk *core.Chunk) {
	startTime := time.Now()
	w.emit(&core.ChunkStarted{Chunk: chunk, WorkerID: w.config.WorkerID, Timestamp: startTime})
	w.logger.Debug("chunk claimed",
		"chunk_id", chunk.ID, "range_start", chunk.RangeStart, "range_end", chunk.RangeEnd,
		"attempts", chunk.Attempts)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, chunk)

	run := &chunkRun{chunk: chunk}
	err := w.fetchChunk(ctx, run)

	cancelHeartbeat()

	if ctx.Err() != nil {
		// The chunk stays claimed; lease expiry or the next startup sweep
		// hands it to someone else.
		w.logger.Warn("chunk abandoned on shutdown", "chunk_id", chunk.ID)
		return
	}

	if err == nil && run.skipped.Load() > 0 {
		err = fmt.Errorf("%d of %d ids unresolved: %w", run.skipped.Load(), chunk.Size(), run.firstErr)
	}
	if err != nil {
		w.failChunk(ctx, chunk, err)
		return
	}

	completeErr := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.store.Complete(ctx, chunk.ID, w.config.WorkerID)
	})
	if completeErr != nil {
		if errors.Is(completeErr, core.ErrChunkNotOwned) {
			w.logger.Warn("chunk was reclaimed before completion", "chunk_id", chunk.ID)
		} else {
			w.logger.Error("failed to complete chunk after retries", "chunk_id", chunk.ID, "error", completeErr)
		}
		return
	}

	duration := time.Since(startTime)
	w.chunksCompleted.Add(1)
	w.emit(&core.ChunkCompleted{
		Chunk:     chunk,
		Items:     int(run.written.Load()),
		Duration:  duration,
		Timestamp: time.Now(),
	})
	w.logger.Info("chunk completed",
		"chunk_id", chunk.ID,
		"range_start", chunk.RangeStart,
		"range_end", chunk.RangeEnd,
		"items", run.written.Load(),
		"tombstones", run.tombstones.Load(),
		"duration", duration.Round(time.Millisecond),
		"items_per_min", itemsPerMinute(run.written.Load(), duration))
}

// fetchChunk resolves every ID of the chunk with at most Concurrency
// requests in flight and writes the results in batches. Unresolved IDs are
// counted on run; the returned error is reserved for store failures and
// cancellation.
func (w *Worker) fetchChunk(ctx context.Context, run *chunkRun) error {
	batch := newBatcher(w.config.BatchSize, func(ctx context.Context, items []*core.Item) error {
		return w.flush(ctx, run, items)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.Concurrency)

	for _, id := range run.chunk.IDs() {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			item, err := w.fetchItem(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				run.skip(err)
				w.itemsSkipped.Add(1)
				w.emit(&core.ItemSkipped{ChunkID: run.chunk.ID, ItemID: id, Error: err, Timestamp: time.Now()})
				w.logger.Debug("item unresolved", "chunk_id", run.chunk.ID, "item_id", id, "error", err)
				return nil
			}
			return batch.Add(gctx, item)
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if n := batch.Pending(); n > 0 {
			w.logger.Debug("unflushed items dropped", "chunk_id", run.chunk.ID, "items", n)
		}
		return err
	}
	return batch.Flush(ctx)
}

// fetchItem fetches one ID, retrying transient failures.
func (w *Worker) fetchItem(ctx context.Context, id int64) (*core.Item, error) {
	var item *core.Item
	err := retryIf(ctx, *w.config.ItemRetry, core.IsTransient, func() error {
		var fetchErr error
		item, fetchErr = w.source.Item(ctx, id)
		return fetchErr
	})
	if errors.Is(err, core.ErrNotFound) {
		return core.Tombstone(id), nil
	}
	if err != nil {
		return nil, err
	}
	if item == nil {
		return core.Tombstone(id), nil
	}
	return item, nil
}

// flush writes one batch, retrying it as a unit.
func (w *Worker) flush(ctx context.Context, run *chunkRun, items []*core.Item) error {
	start := time.Now()
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.store.UpsertBatch(ctx, items)
	})
	if err != nil {
		return fmt.Errorf("flush %d items: %w", len(items), err)
	}

	tombstones := 0
	for _, item := range items {
		if item.FetchStatus == core.FetchTombstone {
			tombstones++
		}
	}
	run.written.Add(int64(len(items)))
	run.tombstones.Add(int64(tombstones))
	w.itemsWritten.Add(int64(len(items)))
	w.tombstones.Add(int64(tombstones))

	w.emit(&core.BatchFlushed{
		ChunkID:    run.chunk.ID,
		Items:      len(items),
		Tombstones: tombstones,
		Duration:   time.Since(start),
		Timestamp:  time.Now(),
	})
	return nil
}

// failChunk hands the chunk back to the queue, which decides between a
// requeue and the terminal failed state.
func (w *Worker) failChunk(ctx context.Context, chunk *core.Chunk, cause error) {
	var status core.ChunkStatus
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		var failErr error
		status, failErr = w.store.Fail(ctx, chunk.ID, w.config.WorkerID, cause.Error())
		return failErr
	})
	if err != nil {
		w.logger.Error("failed to mark chunk as failed after retries",
			"chunk_id", chunk.ID, "cause", cause, "error", err)
		return
	}

	now := time.Now()
	if status == core.ChunkFailed {
		w.chunksFailed.Add(1)
		w.emit(&core.ChunkGaveUp{Chunk: chunk, Error: cause, Timestamp: now})
		w.logger.Error("chunk failed permanently",
			"chunk_id", chunk.ID, "range_start", chunk.RangeStart, "range_end", chunk.RangeEnd,
			"attempts", chunk.Attempts+1, "error", cause)
		return
	}

	w.chunksRequeued.Add(1)
	w.emit(&core.ChunkRequeued{Chunk: chunk, Attempt: chunk.Attempts + 1, Error: cause, Timestamp: now})
	w.logger.Warn("chunk requeued",
		"chunk_id", chunk.ID, "attempt", chunk.Attempts+1, "error", cause)
}

// runHeartbeat periodically refreshes the claim while the chunk is worked on.
func (w *Worker) runHeartbeat(ctx context.Context, chunk *core.Chunk) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
				return w.store.Heartbeat(ctx, chunk.ID, w.config.WorkerID)
			})
			switch {
			case err == nil:
				w.logger.Debug("heartbeat sent", "chunk_id", chunk.ID)
			case errors.Is(err, core.ErrChunkNotOwned):
				w.logger.Warn("claim lost, chunk was taken over", "chunk_id", chunk.ID)
				return
			case ctx.Err() == nil:
				w.logger.Warn("heartbeat failed after retries", "chunk_id", chunk.ID, "error", err)
			}
		}
	}
}

func (w *Worker) emit(e core.Event) {
	if w.config.Observer != nil {
		w.config.Observer(e)
	}
}

func itemsPerMinute(items int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(items) / d.Minutes()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ core.Starter = (*Worker)(nil)
