package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/security"
)

// eligible selects pending chunks and claimed chunks whose lease ran out.
const eligible = "(status = ? OR (status = ? AND claimed_at < ?))"

// Seed creates pending chunks covering [minID, maxID].
//
// Once any chunk exists the queue only grows upward from the current
// high-water mark, whatever minID says: spans at or below it are left alone
// and the new spans start at highWater+1, so the chunks never overlap and
// never leave a gap. Concurrent seeders computing the same spans are absorbed
// by the unique index on range_start.
func (s *GormStorage) Seed(ctx context.Context, minID, maxID, chunkSize int64) (int, error) {
	if err := security.ValidateRange(minID, maxID, chunkSize); err != nil {
		return 0, err
	}

	hw, err := s.HighWater(ctx)
	if err != nil {
		return 0, err
	}
	if hw > 0 {
		if maxID <= hw {
			return 0, nil
		}
		minID = hw + 1
	}
	return s.insertSpans(ctx, minID, maxID, chunkSize)
}

// Extend seeds (highWater, maxID]. With an empty queue it seeds [1, maxID].
func (s *GormStorage) Extend(ctx context.Context, maxID, chunkSize int64) (int, error) {
	return s.Seed(ctx, 1, maxID, chunkSize)
}

func (s *GormStorage) insertSpans(ctx context.Context, minID, maxID, chunkSize int64) (int, error) {
	chunks := make([]*core.Chunk, 0, (maxID-minID)/chunkSize+1)
	for start := minID; start <= maxID; start += chunkSize {
		chunks = append(chunks, &core.Chunk{
			RangeStart: start,
			RangeEnd:   min(start+chunkSize-1, maxID),
			Status:     core.ChunkPending,
		})
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "range_start"}},
			DoNothing: true,
		}).
		CreateInBatches(chunks, seedBatchSize)
	if result.Error != nil {
		return 0, classifyWriteError("seed chunks", result.Error)
	}
	return int(result.RowsAffected), nil
}

// HighWater returns the largest range_end, or 0 when no chunk exists.
func (s *GormStorage) HighWater(ctx context.Context) (int64, error) {
	var hw *int64
	err := s.db.WithContext(ctx).
		Model(&core.Chunk{}).
		Select("MAX(range_end)").
		Scan(&hw).Error
	if err != nil || hw == nil {
		return 0, err
	}
	return *hw, nil
}

// ClaimNext claims the eligible chunk with the lowest range_start.
//
// The transition itself is one conditional UPDATE that only matches while the
// chunk is still eligible, so two workers racing for the same row can never
// both win. A lost race is a ClaimConflict and the next candidate is tried.
func (s *GormStorage) ClaimNext(ctx context.Context, workerID string) (*core.Chunk, error) {
	if err := security.ValidateWorkerID(workerID); err != nil {
		return nil, fmt.Errorf("claim as %q: %w", workerID, err)
	}
	for range s.claimRetries {
		chunk, err := s.tryClaim(ctx, workerID)
		if errors.Is(err, core.ErrClaimConflict) {
			continue
		}
		return chunk, err
	}
	return nil, core.ErrClaimConflict
}

func (s *GormStorage) tryClaim(ctx context.Context, workerID string) (*core.Chunk, error) {
	if s.IsPostgres() {
		var claimed *core.Chunk
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			claimed, err = s.claimWith(tx, workerID, clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
			return err
		})
		return claimed, err
	}
	return s.claimWith(s.db.WithContext(ctx), workerID, nil)
}

func (s *GormStorage) claimWith(db *gorm.DB, workerID string, lock clause.Expression) (*core.Chunk, error) {
	now := s.clock()
	cutoff := now.Add(-s.lease)

	q := db.Where(eligible, core.ChunkPending, core.ChunkClaimed, cutoff).
		Order("range_start ASC")
	if lock != nil {
		q = q.Clauses(lock)
	}

	var chunk core.Chunk
	if err := q.First(&chunk).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	result := db.Model(&core.Chunk{}).
		Where("id = ?", chunk.ID).
		Where(eligible, core.ChunkPending, core.ChunkClaimed, cutoff).
		Updates(map[string]any{
			"status":     core.ChunkClaimed,
			"claimed_by": workerID,
			"claimed_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, core.ErrClaimConflict
	}

	chunk.Status = core.ChunkClaimed
	chunk.ClaimedBy = workerID
	chunk.ClaimedAt = &now
	return &chunk, nil
}

// Complete marks a chunk done. Completing a chunk that is already done is a
// no-op; completing one that another worker now holds is ErrChunkNotOwned.
func (s *GormStorage) Complete(ctx context.Context, chunkID uint, workerID string) error {
	now := s.clock()
	result := s.db.WithContext(ctx).
		Model(&core.Chunk{}).
		Where("id = ? AND status = ? AND claimed_by = ?", chunkID, core.ChunkClaimed, workerID).
		Updates(map[string]any{
			"status":       core.ChunkDone,
			"completed_at": now,
			"claimed_at":   nil,
		})
	if result.Error != nil {
		return classifyWriteError("complete chunk", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	chunk, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}
	switch {
	case chunk == nil:
		return core.ErrChunkNotFound
	case chunk.Status == core.ChunkDone:
		return nil
	default:
		return core.ErrChunkNotOwned
	}
}

// Fail records a failed attempt. The chunk goes back to pending while
// attempts <= max attempts and becomes terminally failed after that.
// The returned status is the one the chunk ended up in.
func (s *GormStorage) Fail(ctx context.Context, chunkID uint, workerID string, reason string) (core.ChunkStatus, error) {
	chunk, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return "", err
	}
	if chunk == nil {
		return "", core.ErrChunkNotFound
	}
	if chunk.Status != core.ChunkClaimed || chunk.ClaimedBy != workerID {
		return chunk.Status, core.ErrChunkNotOwned
	}

	attempts := chunk.Attempts + 1
	next := core.ChunkPending
	if attempts > s.maxAttempts {
		next = core.ChunkFailed
	}

	// Matching on attempts makes this a compare-and-swap against the row we read.
	result := s.db.WithContext(ctx).
		Model(&core.Chunk{}).
		Where("id = ? AND status = ? AND claimed_by = ? AND attempts = ?",
			chunkID, core.ChunkClaimed, workerID, chunk.Attempts).
		Updates(map[string]any{
			"status":     next,
			"attempts":   attempts,
			"last_error": security.SanitizeErrorMessage(reason),
			"claimed_by": "",
			"claimed_at": nil,
		})
	if result.Error != nil {
		return "", classifyWriteError("fail chunk", result.Error)
	}
	if result.RowsAffected == 0 {
		return "", core.ErrChunkNotOwned
	}
	return next, nil
}

// Heartbeat refreshes the claim so the lease does not run out while a long
// chunk is still being worked on.
func (s *GormStorage) Heartbeat(ctx context.Context, chunkID uint, workerID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Chunk{}).
		Where("id = ? AND status = ? AND claimed_by = ?", chunkID, core.ChunkClaimed, workerID).
		Update("claimed_at", s.clock())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrChunkNotOwned
	}
	return nil
}

// RecoverStale resets every claimed chunk to pending. It runs once when a
// dispatcher starts, before it launches workers, so any claim still present
// belongs to a previous run.
func (s *GormStorage) RecoverStale(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Chunk{}).
		Where("status = ?", core.ChunkClaimed).
		Updates(releaseUpdates())
	return result.RowsAffected, result.Error
}

// ReleaseExpired resets claimed chunks whose claim is older than lease.
// A non-positive lease means the store's configured lease.
func (s *GormStorage) ReleaseExpired(ctx context.Context, lease time.Duration) (int64, error) {
	if lease <= 0 {
		lease = s.lease
	}
	cutoff := s.clock().Add(-lease)
	result := s.db.WithContext(ctx).
		Model(&core.Chunk{}).
		Where("status = ? AND claimed_at < ?", core.ChunkClaimed, cutoff).
		Updates(releaseUpdates())
	return result.RowsAffected, result.Error
}

func releaseUpdates() map[string]any {
	return map[string]any{
		"status":     core.ChunkPending,
		"claimed_by": "",
		"claimed_at": nil,
	}
}

// RetryFailed puts terminally failed chunks back in the queue with a fresh
// attempt budget.
func (s *GormStorage) RetryFailed(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Chunk{}).
		Where("status = ?", core.ChunkFailed).
		Updates(map[string]any{
			"status":     core.ChunkPending,
			"attempts":   0,
			"last_error": "",
		})
	return result.RowsAffected, result.Error
}

// GetChunk retrieves a chunk by ID. Returns nil, nil when it does not exist.
func (s *GormStorage) GetChunk(ctx context.Context, chunkID uint) (*core.Chunk, error) {
	var chunk core.Chunk
	err := s.db.WithContext(ctx).First(&chunk, "id = ?", chunkID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

// Progress counts chunks per status.
func (s *GormStorage) Progress(ctx context.Context) (core.Progress, error) {
	var rows []struct {
		Status core.ChunkStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&core.Chunk{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return core.Progress{}, fmt.Errorf("count chunks: %w", err)
	}

	var p core.Progress
	for _, r := range rows {
		p.Total += r.Count
		switch r.Status {
		case core.ChunkPending:
			p.Pending = r.Count
		case core.ChunkClaimed:
			p.Claimed = r.Count
		case core.ChunkDone:
			p.Done = r.Count
		case core.ChunkFailed:
			p.Failed = r.Count
		}
	}
	return p, nil
}

// FailedChunks lists terminally failed chunks in ID-space order.
func (s *GormStorage) FailedChunks(ctx context.Context, limit int) ([]*core.Chunk, error) {
	var chunks []*core.Chunk
	err := s.db.WithContext(ctx).
		Where("status = ?", core.ChunkFailed).
		Order("range_start ASC").
		Limit(limit).
		Find(&chunks).Error
	return chunks, err
}
