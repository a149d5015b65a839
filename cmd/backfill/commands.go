package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jdziat/simple-backfill"
	"github.com/jdziat/simple-backfill/pkg/config"
	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/dispatcher"
	"github.com/jdziat/simple-backfill/pkg/progress"
	"github.com/jdziat/simple-backfill/pkg/status"
	"github.com/jdziat/simple-backfill/pkg/worker"
)

// runDispatcher seeds the queue, runs the workers and reports progress.
func runDispatcher(args []string) int {
	flags := newCommandFlags("run", "Seed the chunk queue, run workers and report progress until every chunk is done.")
	cfg, code, ok := parse(flags, args)
	if !ok {
		return code
	}

	logger, closer := setupLogger(cfg)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFatalStartup
	}
	defer store.Close()

	if cfg.StatusAddr != "" {
		srv := status.NewServer(store, logger)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.StatusAddr); err != nil {
				logger.Error("status endpoint stopped", "error", err)
			}
		}()
	}

	reporter := progress.NewReporter(progress.Options{Output: os.Stdout, Disabled: flags.quiet})
	d := dispatcher.New(store, backfill.HTTPSource(cfg), cfg,
		dispatcher.WithLogger(logger),
		dispatcher.WithReporter(reporter))

	summary, err := d.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var fatal *core.FatalStartupError
		if errors.As(err, &fatal) {
			return ExitFatalStartup
		}
		return ExitChunksFailed
	}

	if summary.Interrupted {
		fmt.Fprintln(os.Stderr, "Interrupted; rerun to resume.")
	}
	if summary.Failed() {
		fmt.Fprintf(os.Stderr, "%d chunks failed:\n", summary.Progress.Failed)
		for _, c := range summary.FailedChunks {
			fmt.Fprintf(os.Stderr, "  [%d, %d] after %d attempts: %s\n", c.RangeStart, c.RangeEnd, c.Attempts, c.LastError)
		}
		fmt.Fprintln(os.Stderr, "Run 'backfill retry-failed' to queue them again.")
		return ExitChunksFailed
	}
	return ExitSuccess
}

// runWorker runs one worker against a queue seeded by another process.
func runWorker(args []string) int {
	flags := newCommandFlags("worker", "Run a single worker against an already seeded queue.")
	follow := flags.fs.Bool("follow", false, "Keep polling for new chunks instead of exiting when the queue is drained")
	cfg, code, ok := parse(flags, args)
	if !ok {
		return code
	}

	logger, closer := setupLogger(cfg)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFatalStartup
	}
	defer store.Close()

	w := worker.NewWorker(store, backfill.HTTPSource(cfg)(),
		worker.Concurrency(cfg.Concurrency),
		worker.BatchSize(cfg.BatchSize),
		worker.ItemRetries(cfg.ItemRetries),
		worker.PollInterval(cfg.PollInterval),
		worker.HeartbeatInterval(cfg.HeartbeatInterval),
		worker.ExitWhenIdle(!*follow),
		worker.WithLogger(logger))

	if err := w.Start(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitChunksFailed
	}

	st := w.Stats()
	fmt.Fprintf(os.Stdout, "Worker %s: %d chunks done, %d failed, %d items written\n",
		w.ID(), st.ChunksCompleted, st.ChunksFailed, st.ItemsWritten)
	return ExitSuccess
}

// runProgress prints the current completion percentage.
func runProgress(args []string) int {
	flags := newCommandFlags("progress", "Print the current completion percentage.")
	cfg, code, ok := parse(flags, args)
	if !ok {
		return code
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFatalStartup
	}
	defer store.Close()

	p, err := store.Progress(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFatalStartup
	}
	fmt.Fprintln(os.Stdout, progress.Line(p))
	fmt.Fprintf(os.Stdout, "Chunks: %d done | %d failed | %d pending | %d claimed\n",
		p.Done, p.Failed, p.Pending, p.Claimed)
	return ExitSuccess
}

// runRetryFailed resets failed chunks to pending with a fresh attempt budget.
func runRetryFailed(args []string) int {
	flags := newCommandFlags("retry-failed", "Put terminally failed chunks back in the queue.")
	cfg, code, ok := parse(flags, args)
	if !ok {
		return code
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFatalStartup
	}
	defer store.Close()

	n, err := store.RetryFailed(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitChunksFailed
	}
	fmt.Fprintf(os.Stdout, "%d failed chunks queued again\n", n)
	return ExitSuccess
}

// parse loads the configuration and maps parse failures to exit codes.
func parse(flags *commandFlags, args []string) (config.Config, int, bool) {
	cfg, err := flags.load(args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return cfg, ExitSuccess, false
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, ExitInvalidArgs, false
	}
	return cfg, ExitSuccess, true
}
