package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/simple-backfill/pkg/config"
	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/schedule"
	"github.com/jdziat/simple-backfill/pkg/security"
	"github.com/jdziat/simple-backfill/pkg/worker"
)

// failedChunkLimit caps how many failed chunks a Summary lists.
const failedChunkLimit = 1000

// SourceFactory returns a fresh source. Every worker gets its own so no
// HTTP client is shared between them.
type SourceFactory func() core.Source

// Summary describes a finished run.
type Summary struct {
	MaxID        int64
	Seeded       int
	Recovered    int64
	Extended     int
	Progress     core.Progress
	Duration     time.Duration
	ItemsWritten int64
	Tombstones   int64
	FailedChunks []*core.Chunk
	Interrupted  bool
}

// Failed reports whether any chunk ended terminally failed.
func (s Summary) Failed() bool {
	return s.Progress.Failed > 0
}

// Dispatcher owns one backfill run.
type Dispatcher struct {
	store      core.Storage
	newSource  SourceFactory
	cfg        config.Config
	logger     *slog.Logger
	reporter   Reporter
	workerOpts []worker.WorkerOption
}

// New creates a dispatcher. cfg is copied and must already be validated.
func New(store core.Storage, newSource SourceFactory, cfg config.Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		newSource: newSource,
		cfg:       cfg,
		logger:    slog.Default(),
		reporter:  nopReporter{},
	}
	for _, opt := range opts {
		opt.apply(d)
	}
	return d
}

// Run seeds the queue, launches the workers and blocks until every chunk is
// terminal, all workers exited or ctx is cancelled. Startup problems are
// returned as *core.FatalStartupError before any worker starts. Cancellation
// is a clean stop: the summary is marked Interrupted and the error is nil.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary, refresh, err := d.prepare(ctx)
	if err != nil {
		return summary, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := d.launch(runCtx, refresh == nil)
	exited := make(chan struct{})
	go func() {
		workers.wait()
		close(exited)
	}()

	extended, interrupted := d.monitor(ctx, refresh, exited)
	summary.Extended = extended
	summary.Interrupted = interrupted

	cancel()
	<-exited

	return d.finish(summary, workers, start)
}

// prepare runs every startup step. Any failure here is fatal.
func (d *Dispatcher) prepare(ctx context.Context) (Summary, schedule.Schedule, error) {
	var summary Summary

	if err := d.store.Ping(ctx); err != nil {
		return summary, nil, core.Fatal("connect store", err)
	}
	if err := d.store.Migrate(ctx); err != nil {
		return summary, nil, core.Fatal("migrate", err)
	}
	if d.cfg.Reset {
		if !d.cfg.ConfirmReset {
			return summary, nil, core.Fatal("reset", core.ErrResetNotConfirmed)
		}
		if err := d.store.Truncate(ctx); err != nil {
			return summary, nil, core.Fatal("reset", err)
		}
		d.logger.Warn("store reset, all chunks and items removed")
	}

	var refresh schedule.Schedule
	if d.cfg.RefreshSchedule != "" {
		s, err := schedule.Parse(d.cfg.RefreshSchedule)
		if err != nil {
			return summary, nil, core.Fatal("refresh schedule", err)
		}
		refresh = s
	}

	maxID, err := d.resolveMaxID(ctx)
	if err != nil {
		return summary, nil, core.Fatal("resolve max id", err)
	}
	if err := security.ValidateRange(d.cfg.MinID, maxID, d.cfg.ChunkSize); err != nil {
		return summary, nil, core.Fatal("validate range", err)
	}
	summary.MaxID = maxID

	hw, err := d.store.HighWater(ctx)
	if err != nil {
		return summary, nil, core.Fatal("seed", err)
	}
	if hw > 0 && d.cfg.MinID > hw+1 {
		d.logger.Warn("min_id ignored, queue continues from its high-water mark",
			"min_id", d.cfg.MinID, "high_water", hw)
	}

	seeded, err := d.store.Seed(ctx, d.cfg.MinID, maxID, d.cfg.ChunkSize)
	if err != nil {
		return summary, nil, core.Fatal("seed", err)
	}
	summary.Seeded = seeded

	recovered, err := d.store.RecoverStale(ctx)
	if err != nil {
		return summary, nil, core.Fatal("recover stale claims", err)
	}
	summary.Recovered = recovered

	d.logger.Info("queue ready",
		"min_id", d.cfg.MinID,
		"max_id", maxID,
		"chunk_size", d.cfg.ChunkSize,
		"seeded", seeded,
		"recovered", recovered)
	return summary, refresh, nil
}

func (d *Dispatcher) resolveMaxID(ctx context.Context) (int64, error) {
	if d.cfg.MaxID > 0 {
		return d.cfg.MaxID, nil
	}
	if d.newSource == nil {
		return 0, errors.New("no max id configured and no source to ask")
	}
	return d.newSource().MaxItem(ctx)
}

// pool tracks the launched workers.
type pool struct {
	wg      sync.WaitGroup
	workers []*worker.Worker
}

func (p *pool) wait() { p.wg.Wait() }

func (d *Dispatcher) launch(ctx context.Context, exitWhenIdle bool) *pool {
	p := &pool{}
	opts := []worker.WorkerOption{
		worker.Concurrency(d.cfg.Concurrency),
		worker.BatchSize(d.cfg.BatchSize),
		worker.ItemRetries(d.cfg.ItemRetries),
		worker.ExitWhenIdle(exitWhenIdle),
		worker.WithLogger(d.logger),
	}
	if d.cfg.PollInterval > 0 {
		opts = append(opts, worker.PollInterval(d.cfg.PollInterval))
	}
	if d.cfg.HeartbeatInterval > 0 {
		opts = append(opts, worker.HeartbeatInterval(d.cfg.HeartbeatInterval))
	}
	opts = append(opts, d.workerOpts...)

	for i := 0; i < d.cfg.Workers; i++ {
		w := worker.NewWorker(d.store, d.newSource(), opts...)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := w.Start(ctx); err != nil && ctx.Err() == nil {
				// A dead worker does not stop the run; its claim is
				// released by lease expiry or the next startup.
				d.logger.Error("worker exited", "worker_id", w.ID(), "error", err)
			}
		}()
	}
	d.logger.Info("workers launched", "count", d.cfg.Workers, "concurrency", d.cfg.Concurrency)
	return p
}

// monitor polls progress until the run is over. It returns the number of
// chunks added by refreshes and whether ctx ended the run.
func (d *Dispatcher) monitor(ctx context.Context, refresh schedule.Schedule, exited <-chan struct{}) (int, bool) {
	interval := d.cfg.ProgressInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var nextRefresh time.Time
	if refresh != nil {
		nextRefresh = refresh.Next(time.Now())
	}
	extended := 0

	for {
		select {
		case <-ctx.Done():
			return extended, true
		case <-exited:
			return extended, false
		case now := <-ticker.C:
			p, err := d.store.Progress(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return extended, true
				}
				d.logger.Warn("failed to read progress", "error", err)
				continue
			}
			d.reporter.Report(p)

			if n, err := d.store.ReleaseExpired(ctx, d.cfg.LeaseTimeout); err != nil {
				d.logger.Warn("failed to release expired claims", "error", err)
			} else if n > 0 {
				d.logger.Warn("released expired claims", "count", n)
			}

			if refresh != nil {
				if !now.Before(nextRefresh) {
					extended += d.extend(ctx)
					nextRefresh = refresh.Next(now)
				}
				continue
			}
			if p.Finished() {
				return extended, false
			}
		}
	}
}

// extend asks the source for its current max ID and seeds the new tail.
func (d *Dispatcher) extend(ctx context.Context) int {
	maxID, err := d.newSource().MaxItem(ctx)
	if err != nil {
		d.logger.Warn("refresh: failed to read max id", "error", err)
		return 0
	}
	n, err := d.store.Extend(ctx, maxID, d.cfg.ChunkSize)
	if err != nil {
		d.logger.Warn("refresh: failed to extend queue", "max_id", maxID, "error", err)
		return 0
	}
	if n > 0 {
		d.logger.Info("queue extended", "max_id", maxID, "chunks", n)
	}
	return n
}

func (d *Dispatcher) finish(summary Summary, workers *pool, start time.Time) (Summary, error) {
	// The run context may be gone; the final reads get their own.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, w := range workers.workers {
		st := w.Stats()
		summary.ItemsWritten += st.ItemsWritten
		summary.Tombstones += st.Tombstones
	}
	summary.Duration = time.Since(start)

	p, err := d.store.Progress(ctx)
	if err != nil {
		return summary, fmt.Errorf("read final progress: %w", err)
	}
	summary.Progress = p

	if p.Failed > 0 {
		failed, err := d.store.FailedChunks(ctx, failedChunkLimit)
		if err != nil {
			return summary, fmt.Errorf("list failed chunks: %w", err)
		}
		summary.FailedChunks = failed
	}

	d.reporter.Finish(p, summary.ItemsWritten, summary.Tombstones)
	d.logger.Info("run finished",
		"total", p.Total,
		"done", p.Done,
		"failed", p.Failed,
		"items", summary.ItemsWritten,
		"tombstones", summary.Tombstones,
		"duration", summary.Duration.Round(time.Millisecond),
		"interrupted", summary.Interrupted)
	return summary, nil
}
