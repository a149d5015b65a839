package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/security"
)

// Defaults for a worker unit.
const (
	DefaultConcurrency       = 300
	DefaultBatchSize         = 1000
	DefaultItemRetries       = 3
	DefaultPollInterval      = time.Second
	DefaultHeartbeatInterval = time.Minute
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	WorkerID          string
	Concurrency       int // in-flight source requests
	BatchSize         int // items per UpsertBatch
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ExitWhenIdle      bool

	ItemRetry    *RetryConfig
	StorageRetry *RetryConfig
	ClaimRetry   *RetryConfig

	Logger   *slog.Logger
	Observer func(core.Event)
}

// WithWorkerID overrides the generated worker ID.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// Concurrency sets the number of in-flight source requests.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// BatchSize sets how many items are written per store batch.
// Values are clamped to [1, MaxBatchSize].
func BatchSize(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.BatchSize = security.ClampBatchSize(n)
	})
}

// ItemRetries sets how many times a transiently failing ID is retried.
func ItemRetries(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultItemRetryConfig()
		if c.ItemRetry != nil {
			cfg = *c.ItemRetry
		}
		cfg.MaxAttempts = security.ClampItemRetries(n) + 1
		c.ItemRetry = &cfg
	})
}

// WithItemRetry sets the full per-ID retry policy.
func WithItemRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ItemRetry = &cfg
	})
}

// PollInterval sets how long an idle worker waits before polling again.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// HeartbeatInterval sets how often a held claim is refreshed. It must be well
// below the store's lease timeout.
func HeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.HeartbeatInterval = d
		}
	})
}

// ExitWhenIdle makes the worker return once nothing is left to claim.
// When false the worker keeps polling until its context is cancelled.
func ExitWhenIdle(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ExitWhenIdle = enabled
	})
}

// WithStorageRetry sets the retry policy for batch flushes and chunk
// transitions.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithClaimRetry sets the retry policy for ClaimNext.
func WithClaimRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ClaimRetry = &cfg
	})
}

// WithRetryAttempts sets the attempt count of the storage retry policy,
// keeping default backoff values.
func WithRetryAttempts(attempts int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = attempts
		c.StorageRetry = &cfg
	})
}

// DisableRetry turns off retries for store operations and source requests.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		once := RetryConfig{MaxAttempts: 1}
		c.StorageRetry = &once
		c.ClaimRetry = &once
		c.ItemRetry = &once
	})
}

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithObserver registers a callback for worker events. It is called from
// the worker's goroutines and must not block.
func WithObserver(fn func(core.Event)) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Observer = fn
	})
}
