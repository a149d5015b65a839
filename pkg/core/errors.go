package core

import (
	"errors"
	"fmt"
)

// Queue and store errors
var (
	ErrChunkNotOwned     = errors.New("backfill: chunk not owned by this worker")
	ErrClaimConflict     = errors.New("backfill: chunk claimed by another worker")
	ErrChunkNotFound     = errors.New("backfill: chunk not found")
	ErrInvalidRange      = errors.New("backfill: invalid id range")
	ErrInvalidChunkSize  = errors.New("backfill: chunk size must be positive")
	ErrResetNotConfirmed = errors.New("backfill: reset requested without confirmation")
)

// ErrNotFound is returned by a source when an ID resolves to null.
// Workers store such IDs as tombstones; it never fails a chunk.
var ErrNotFound = errors.New("backfill: item not found")

// TransientFetchError is a network timeout or 5xx from the source for one ID.
// It is retried per item with backoff.
type TransientFetchError struct {
	ID         int64
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch item %d: status %d: %v", e.ID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch item %d: %v", e.ID, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying against the source.
func IsTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}

// StoreWriteError wraps a failed write against the backing store.
// Retryable is set for errors the driver reports as transient
// (serialization failures, deadlocks, busy databases, dropped connections).
type StoreWriteError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// FatalStartupError aborts the dispatcher before any worker is launched.
type FatalStartupError struct {
	Stage string
	Err   error
}

func (e *FatalStartupError) Error() string {
	return fmt.Sprintf("startup failed at %s: %v", e.Stage, e.Err)
}

func (e *FatalStartupError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalStartupError for the given stage.
func Fatal(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalStartupError{Stage: stage, Err: err}
}
