package storage

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-backfill/pkg/core"
)

// skipIfNotPostgres skips the test when TEST_DATABASE_URL is not set.
func skipIfNotPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_DATABASE_URL") == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL-specific test")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// ClaimNext: FOR UPDATE SKIP LOCKED
// ──────────────────────────────────────────────────────────────────────────────

func TestClaimNext_PostgreSQL_DetectsDialect(t *testing.T) {
	skipIfNotPostgres(t)

	s := newTestStorage(t)
	assert.True(t, s.IsPostgres())
	assert.False(t, s.IsSQLite())
}

func TestClaimNext_PostgreSQL_ConcurrentClaimsAreDistinct(t *testing.T) {
	skipIfNotPostgres(t)

	ctx := context.Background()
	s := newTestStorage(t)
	_, err := s.Seed(ctx, 1, 400, 100)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		results []*core.Chunk
		wg      sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.ClaimNext(ctx, "worker-concurrent")
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, c)
		}()
	}
	wg.Wait()

	seen := map[uint]bool{}
	for _, c := range results {
		require.NotNil(t, c, "every claimer should get a chunk")
		assert.False(t, seen[c.ID], "concurrent claims must return different chunks")
		seen[c.ID] = true
	}
}

func TestUpsertBatch_PostgreSQL_OnConflictUpdatesRow(t *testing.T) {
	skipIfNotPostgres(t)

	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.UpsertBatch(ctx, []*core.Item{storyItem(1, 2)}))
	require.NoError(t, s.UpsertBatch(ctx, []*core.Item{core.Tombstone(1)}))

	got, err := s.GetItem(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, core.FetchTombstone, got.FetchStatus)

	kids, err := s.Children(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, kids)
}
