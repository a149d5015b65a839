package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/simple-backfill/pkg/core"
)

// kidDeleteBatch bounds the IN list when clearing kid edges.
const kidDeleteBatch = 1000

// UpsertBatch writes items and their kid edges in one transaction.
// An ID already present is overwritten, so re-processing a chunk is safe.
// When the same ID appears twice in one batch the later entry wins.
func (s *GormStorage) UpsertBatch(ctx context.Context, items []*core.Item) error {
	items = dedupeItems(items)
	if len(items) == 0 {
		return nil
	}

	ids := make([]int64, len(items))
	var kids []*core.ItemKid
	for i, item := range items {
		ids[i] = item.ID
		kids = append(kids, kidEdges(item)...)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).CreateInBatches(items, upsertBatchSize).Error
		if err != nil {
			return err
		}

		for start := 0; start < len(ids); start += kidDeleteBatch {
			end := min(start+kidDeleteBatch, len(ids))
			if err := tx.Where("item_id IN ?", ids[start:end]).Delete(&core.ItemKid{}).Error; err != nil {
				return err
			}
		}

		if len(kids) == 0 {
			return nil
		}
		return tx.CreateInBatches(kids, upsertBatchSize*2).Error
	})
	return classifyWriteError("upsert items", err)
}

func dedupeItems(items []*core.Item) []*core.Item {
	seen := make(map[int64]int, len(items))
	out := make([]*core.Item, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		if i, ok := seen[item.ID]; ok {
			out[i] = item
			continue
		}
		seen[item.ID] = len(out)
		out = append(out, item)
	}
	return out
}

func kidEdges(item *core.Item) []*core.ItemKid {
	if len(item.Kids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(item.Kids))
	edges := make([]*core.ItemKid, 0, len(item.Kids))
	for pos, kid := range item.Kids {
		if _, dup := seen[kid]; dup {
			continue
		}
		seen[kid] = struct{}{}
		edges = append(edges, &core.ItemKid{ItemID: item.ID, KidID: kid, Position: pos})
	}
	return edges
}

// GetItem retrieves an item by ID. Returns nil, nil when it does not exist.
func (s *GormStorage) GetItem(ctx context.Context, id int64) (*core.Item, error) {
	var item core.Item
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Children returns the kid IDs of an item in ranked order.
func (s *GormStorage) Children(ctx context.Context, id int64) ([]int64, error) {
	var kids []int64
	err := s.db.WithContext(ctx).
		Model(&core.ItemKid{}).
		Where("item_id = ?", id).
		Order("position ASC").
		Pluck("kid_id", &kids).Error
	return kids, err
}

// CountItems returns the number of fetched items and tombstones.
func (s *GormStorage) CountItems(ctx context.Context) (int64, int64, error) {
	var rows []struct {
		FetchStatus core.FetchStatus
		Count       int64
	}
	err := s.db.WithContext(ctx).
		Model(&core.Item{}).
		Select("fetch_status, COUNT(*) AS count").
		Group("fetch_status").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, err
	}

	var ok, tombstones int64
	for _, r := range rows {
		switch r.FetchStatus {
		case core.FetchTombstone:
			tombstones += r.Count
		default:
			ok += r.Count
		}
	}
	return ok, tombstones, nil
}
