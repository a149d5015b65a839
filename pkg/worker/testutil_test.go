package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/source/sourcetest"
	"github.com/jdziat/simple-backfill/pkg/storage"
)

// newTestStore opens a migrated in-memory store.
func newTestStore(t *testing.T, opts ...storage.Option) *storage.GormStorage {
	t.Helper()
	db, err := storage.Open(":memory:", nil)
	require.NoError(t, err)
	s := storage.NewGormStorage(db, opts...)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestSource starts a fake item API serving IDs up to maxID.
func newTestSource(t *testing.T, maxID int64) *sourcetest.Server {
	t.Helper()
	srv := sourcetest.NewServer(maxID)
	t.Cleanup(srv.Close)
	return srv
}

// fastRetry keeps retry loops in tests short.
func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// testOptions are the defaults every worker test starts from.
func testOptions(extra ...WorkerOption) []WorkerOption {
	opts := []WorkerOption{
		Concurrency(8),
		BatchSize(25),
		PollInterval(10 * time.Millisecond),
		WithItemRetry(fastRetry(3)),
		WithStorageRetry(fastRetry(3)),
		WithClaimRetry(fastRetry(3)),
	}
	return append(opts, extra...)
}

// eventLog records observer events.
type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (l *eventLog) observe(e core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) flushes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sizes []int
	for _, e := range l.events {
		if f, ok := e.(*core.BatchFlushed); ok {
			sizes = append(sizes, f.Items)
		}
	}
	return sizes
}

func (l *eventLog) count(match func(core.Event) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if match(e) {
			n++
		}
	}
	return n
}

// flakyStore fails UpsertBatch a number of times before delegating.
type flakyStore struct {
	*storage.GormStorage
	failures atomic.Int32 // remaining failures; negative fails forever
	err      error
	calls    atomic.Int32
}

func (f *flakyStore) UpsertBatch(ctx context.Context, items []*core.Item) error {
	f.calls.Add(1)
	n := f.failures.Load()
	if n != 0 {
		if n > 0 {
			f.failures.Add(-1)
		}
		return f.err
	}
	return f.GormStorage.UpsertBatch(ctx, items)
}

var errDiskFull = errors.New("disk full")
