package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/security"
)

// RetryConfig holds configuration for retry with backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier applied to backoff after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction is the fraction of backoff to randomize (0.0 to 1.0).
	// Default: 0.1 (10% jitter)
	JitterFraction float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// DefaultItemRetryConfig is the per-ID retry policy against the source:
// three retries after the first attempt, starting at 250ms.
func DefaultItemRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// retryWithBackoff executes the operation with exponential backoff on failure.
// It respects context cancellation and returns the last error if all attempts fail.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	return retryIf(ctx, config, IsRetryableError, operation)
}

// retryIf is retryWithBackoff with a caller-supplied retry predicate.
// An error the predicate rejects is returned immediately.
func retryIf(ctx context.Context, config RetryConfig, retryable func(error) bool, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= max(config.MaxAttempts, 1); attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		// Only the caller's context ends retries early. A request timeout
		// also wraps DeadlineExceeded and is retried like any transient error.
		if ctx.Err() != nil {
			return lastErr
		}
		if !retryable(lastErr) || attempt >= config.MaxAttempts {
			break
		}

		// Calculate backoff with jitter
		jitter := time.Duration(float64(backoff) * config.JitterFraction * (rand.Float64()*2 - 1))
		sleepDuration := backoff + jitter
		if sleepDuration < 0 {
			sleepDuration = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDuration):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// IsRetryableError determines if a store error is worth retrying.
// Returns false for errors that indicate permanent failures: ownership
// loss, a missing chunk, or a write the driver classified as permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Cancellation is final. A DeadlineExceeded that reaches this point came
	// from a statement or dial timeout, not the caller, and is retried.
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, core.ErrChunkNotOwned) || errors.Is(err, core.ErrChunkNotFound) ||
		errors.Is(err, security.ErrInvalidWorkerID) {
		return false
	}

	var swe *core.StoreWriteError
	if errors.As(err, &swe) {
		return swe.Retryable
	}

	// Everything else (dropped connections, lock timeouts, busy files) is
	// assumed transient.
	return true
}
