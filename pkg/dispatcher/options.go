package dispatcher

import (
	"log/slog"

	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/worker"
)

// Reporter receives progress snapshots while the dispatcher runs.
type Reporter interface {
	Report(p core.Progress)
	Finish(p core.Progress, items, tombstones int64)
}

// Option configures a Dispatcher.
type Option interface {
	apply(*Dispatcher)
}

type optionFunc func(*Dispatcher)

func (f optionFunc) apply(d *Dispatcher) { f(d) }

// WithLogger sets the dispatcher's logger. Workers inherit it.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	})
}

// WithReporter sets where progress snapshots go.
func WithReporter(r Reporter) Option {
	return optionFunc(func(d *Dispatcher) {
		if r != nil {
			d.reporter = r
		}
	})
}

// WithWorkerOptions appends options applied to every worker after the ones
// derived from the configuration.
func WithWorkerOptions(opts ...worker.WorkerOption) Option {
	return optionFunc(func(d *Dispatcher) {
		d.workerOpts = append(d.workerOpts, opts...)
	})
}

type nopReporter struct{}

func (nopReporter) Report(core.Progress)               {}
func (nopReporter) Finish(core.Progress, int64, int64) {}
