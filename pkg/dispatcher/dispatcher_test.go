package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-backfill/pkg/config"
	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/source/sourcetest"
	"github.com/jdziat/simple-backfill/pkg/storage"
	"github.com/jdziat/simple-backfill/pkg/worker"
)

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func newTestStore(t *testing.T, opts ...storage.Option) *storage.GormStorage {
	t.Helper()
	db, err := storage.Open(":memory:", nil)
	require.NoError(t, err)
	s := storage.NewGormStorage(db, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSource(t *testing.T, maxID int64) *sourcetest.Server {
	t.Helper()
	srv := sourcetest.NewServer(maxID)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ChunkSize = 100
	cfg.Workers = 2
	cfg.Concurrency = 16
	cfg.BatchSize = 50
	cfg.ItemRetries = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ProgressInterval = 20 * time.Millisecond
	return cfg
}

func fastWorkers() Option {
	fast := worker.RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	return WithWorkerOptions(
		worker.WithItemRetry(fast),
		worker.WithStorageRetry(fast),
		worker.WithClaimRetry(fast),
	)
}

func sourceOf(srv *sourcetest.Server) SourceFactory {
	return func() core.Source { return srv.Client() }
}

// recordingReporter keeps every snapshot it was given.
type recordingReporter struct {
	mu        sync.Mutex
	snapshots []core.Progress
	final     *core.Progress
}

func (r *recordingReporter) Report(p core.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, p)
}

func (r *recordingReporter) Finish(p core.Progress, _, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final = &p
}

type failingSource struct{ err error }

func (f failingSource) Item(context.Context, int64) (*core.Item, error) { return nil, f.err }
func (f failingSource) MaxItem(context.Context) (int64, error)          { return 0, f.err }

// unreachableStore fails Ping and panics on anything else.
type unreachableStore struct{ core.Storage }

func (unreachableStore) Ping(context.Context) error { return errors.New("connection refused") }

// ──────────────────────────────────────────────────────────────────────────────
// Full runs
// ──────────────────────────────────────────────────────────────────────────────

func TestRun_TwoWorkersThousandIDs(t *testing.T) {
	store := newTestStore(t)
	srv := newTestSource(t, 1000)
	srv.Null(13, 512)
	reporter := &recordingReporter{}

	d := New(store, sourceOf(srv), testConfig(), fastWorkers(), WithReporter(reporter))
	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1000), summary.MaxID)
	assert.Equal(t, 10, summary.Seeded)
	assert.Equal(t, core.Progress{Total: 10, Done: 10}, summary.Progress)
	assert.False(t, summary.Failed())
	assert.False(t, summary.Interrupted)
	assert.Empty(t, summary.FailedChunks)
	assert.Equal(t, int64(1000), summary.ItemsWritten)
	assert.Equal(t, int64(2), summary.Tombstones)

	ok, tombstones, err := store.CountItems(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), ok+tombstones)
	assert.Equal(t, int64(2), tombstones)

	require.NotNil(t, reporter.final)
	assert.Equal(t, int64(10), reporter.final.Done)
}

func TestRun_RestartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	srv := newTestSource(t, 500)

	first, err := New(store, sourceOf(srv), testConfig(), fastWorkers()).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, first.Seeded)

	requests := srv.TotalRequests()
	second, err := New(store, sourceOf(srv), testConfig(), fastWorkers()).Run(ctx)
	require.NoError(t, err)

	assert.Zero(t, second.Seeded)
	assert.Zero(t, second.ItemsWritten, "nothing left to fetch")
	assert.Equal(t, core.Progress{Total: 5, Done: 5}, second.Progress)
	assert.Equal(t, requests, srv.TotalRequests(), "no item is fetched twice")

	ok, tombstones, err := store.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), ok+tombstones)
}

func TestRun_GrowingSourceSeedsOnlyTheTail(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	srv := newTestSource(t, 300)

	_, err := New(store, sourceOf(srv), testConfig(), fastWorkers()).Run(ctx)
	require.NoError(t, err)

	srv.SetMaxID(450)
	summary, err := New(store, sourceOf(srv), testConfig(), fastWorkers()).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Seeded)
	assert.Equal(t, int64(150), summary.ItemsWritten)
	assert.Equal(t, core.Progress{Total: 5, Done: 5}, summary.Progress)
}

func TestRun_MinIDAboveHighWaterStillCoversTheGap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	srv := newTestSource(t, 200)

	_, err := New(store, sourceOf(srv), testConfig(), fastWorkers()).Run(ctx)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MinID = 301
	cfg.MaxID = 400
	summary, err := New(store, sourceOf(srv), cfg, fastWorkers()).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Seeded, "seeds [201, 400], not just [301, 400]")
	assert.Equal(t, core.Progress{Total: 4, Done: 4}, summary.Progress)
}

func TestRun_RecoversClaimsOfPreviousRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Migrate(ctx))
	_, err := store.Seed(ctx, 1, 200, 100)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx, "crashed-worker")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MaxID = 200
	summary, err := New(store, sourceOf(newTestSource(t, 200)), cfg, fastWorkers()).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Recovered)
	assert.Equal(t, core.Progress{Total: 2, Done: 2}, summary.Progress)
}

func TestRun_FailedChunksAreReported(t *testing.T) {
	store := newTestStore(t, storage.MaxAttempts(0))
	srv := newTestSource(t, 300)
	srv.FailTimes(250, -1)

	summary, err := New(store, sourceOf(srv), testConfig(), fastWorkers()).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.Failed())
	assert.Equal(t, core.Progress{Total: 3, Done: 2, Failed: 1}, summary.Progress)
	require.Len(t, summary.FailedChunks, 1)
	assert.Equal(t, int64(201), summary.FailedChunks[0].RangeStart)
}

func TestRun_ResetWithConfirmation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	srv := newTestSource(t, 200)

	_, err := New(store, sourceOf(srv), testConfig(), fastWorkers()).Run(ctx)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Reset, cfg.ConfirmReset = true, true
	summary, err := New(store, sourceOf(srv), cfg, fastWorkers()).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Seeded, "queue rebuilt from scratch")
	assert.Equal(t, int64(200), summary.ItemsWritten)
}

func TestRun_CancelIsCleanStop(t *testing.T) {
	store := newTestStore(t)
	srv := newTestSource(t, 1000)
	srv.SetDelay(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	summary, err := New(store, sourceOf(srv), testConfig(), fastWorkers()).Run(ctx)
	require.NoError(t, err)

	assert.True(t, summary.Interrupted)
	assert.False(t, summary.Progress.Finished())
	assert.Equal(t, int64(10), summary.Progress.Total)
}

func TestRun_RefreshExtendsQueue(t *testing.T) {
	store := newTestStore(t)
	srv := newTestSource(t, 100)

	cfg := testConfig()
	cfg.RefreshSchedule = "300ms"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan Summary, 1)
	go func() {
		s, err := New(store, sourceOf(srv), cfg, fastWorkers()).Run(ctx)
		assert.NoError(t, err)
		done <- s
	}()

	require.Eventually(t, func() bool {
		p, err := store.Progress(context.Background())
		return err == nil && p.Total == 1 && p.Done == 1
	}, 5*time.Second, 10*time.Millisecond)

	srv.SetMaxID(250)
	require.Eventually(t, func() bool {
		p, err := store.Progress(context.Background())
		return err == nil && p.Total == 3 && p.Done == 3
	}, 10*time.Second, 20*time.Millisecond, "workers keep polling and pick up the new chunks")

	cancel()
	summary := <-done
	assert.True(t, summary.Interrupted)
	assert.Equal(t, 2, summary.Extended)
	assert.Equal(t, int64(250), summary.ItemsWritten)
}

// ──────────────────────────────────────────────────────────────────────────────
// Fatal startup
// ──────────────────────────────────────────────────────────────────────────────

func TestRun_UnreachableStoreIsFatal(t *testing.T) {
	launched := false
	factory := func() core.Source {
		launched = true
		return failingSource{}
	}

	_, err := New(unreachableStore{}, factory, testConfig()).Run(context.Background())

	var fatal *core.FatalStartupError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "connect store", fatal.Stage)
	assert.False(t, launched, "no source or worker is created")
}

func TestRun_ResetWithoutConfirmationIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Reset = true

	_, err := New(newTestStore(t), sourceOf(newTestSource(t, 10)), cfg).Run(context.Background())

	var fatal *core.FatalStartupError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, core.ErrResetNotConfirmed)
}

func TestRun_MaxItemFailureIsFatal(t *testing.T) {
	factory := func() core.Source { return failingSource{err: errors.New("dns failure")} }

	_, err := New(newTestStore(t), factory, testConfig()).Run(context.Background())

	var fatal *core.FatalStartupError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "resolve max id", fatal.Stage)
	assert.ErrorContains(t, err, "dns failure")
}

func TestRun_InvalidRangeIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.MinID = 500
	cfg.MaxID = 100

	_, err := New(newTestStore(t), sourceOf(newTestSource(t, 10)), cfg).Run(context.Background())
	assert.ErrorIs(t, err, core.ErrInvalidRange)

	cfg = testConfig()
	cfg.MaxID = 100
	cfg.ChunkSize = 0
	_, err = New(newTestStore(t), sourceOf(newTestSource(t, 10)), cfg).Run(context.Background())
	assert.ErrorIs(t, err, core.ErrInvalidChunkSize)
}

func TestRun_InvalidRefreshScheduleIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.RefreshSchedule = "every so often"

	_, err := New(newTestStore(t), sourceOf(newTestSource(t, 10)), cfg).Run(context.Background())

	var fatal *core.FatalStartupError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "refresh schedule", fatal.Stage)
}
