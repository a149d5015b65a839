// Package security provides validation, sanitization, and limits for the backfill package.
package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/simple-backfill/pkg/core"
)

// Security limits and configuration
const (
	// MaxWorkerIDLength is the maximum length for worker IDs
	MaxWorkerIDLength = 255

	// MaxAttempts is the hard limit for chunk attempts
	MaxAttempts = 100

	// MaxItemRetries is the hard limit for per-item fetch retries
	MaxItemRetries = 20

	// MaxWorkers is the hard limit for worker units per dispatcher
	MaxWorkers = 256

	// MaxConcurrency is the hard limit for in-flight requests per worker
	MaxConcurrency = 1000

	// MaxBatchSize is the hard limit for items per store write
	MaxBatchSize = 10000

	// MaxChunkSize is the hard limit for IDs per chunk
	MaxChunkSize = 1_000_000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096
)

// validWorkerID matches alphanumeric, hyphens, underscores, and dots
var validWorkerID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.]*$`)

// ErrInvalidWorkerID is returned for empty or malformed worker IDs.
var ErrInvalidWorkerID = errors.New("backfill: invalid worker id")

// ValidateWorkerID validates a worker ID
func ValidateWorkerID(id string) error {
	if id == "" || len(id) > MaxWorkerIDLength || !validWorkerID.MatchString(id) {
		return ErrInvalidWorkerID
	}
	return nil
}

// ValidateRange validates seed parameters: 1 <= minID <= maxID and a positive chunk size.
func ValidateRange(minID, maxID, chunkSize int64) error {
	if chunkSize < 1 {
		return core.ErrInvalidChunkSize
	}
	if minID < 1 || maxID < minID {
		return fmt.Errorf("%w: [%d, %d]", core.ErrInvalidRange, minID, maxID)
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// ClampAttempts ensures the chunk attempt cap is within limits
func ClampAttempts(n int) int { return clamp(n, 0, MaxAttempts) }

// ClampItemRetries ensures the per-item retry cap is within limits
func ClampItemRetries(n int) int { return clamp(n, 0, MaxItemRetries) }

// ClampWorkers ensures the worker count is within limits
func ClampWorkers(n int) int { return clamp(n, 1, MaxWorkers) }

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int { return clamp(n, 1, MaxConcurrency) }

// ClampBatchSize ensures the batch size is within limits
func ClampBatchSize(n int) int { return clamp(n, 1, MaxBatchSize) }

// ClampChunkSize ensures the chunk size is within limits
func ClampChunkSize(n int64) int64 {
	if n < 1 {
		return 1
	}
	if n > MaxChunkSize {
		return MaxChunkSize
	}
	return n
}
