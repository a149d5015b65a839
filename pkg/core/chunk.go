package core

import (
	"time"
)

// ChunkStatus represents the current state of a chunk.
type ChunkStatus string

const (
	ChunkPending ChunkStatus = "pending"
	ChunkClaimed ChunkStatus = "claimed"
	ChunkDone    ChunkStatus = "done"
	ChunkFailed  ChunkStatus = "failed" // Terminal, needs an operator
)

// Terminal reports whether no worker will pick the chunk up again.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkDone || s == ChunkFailed
}

// Chunk is a contiguous range of item IDs claimed and processed as one unit.
// RangeStart and RangeEnd are both inclusive.
type Chunk struct {
	ID          uint        `gorm:"primaryKey"`
	RangeStart  int64       `gorm:"uniqueIndex;index:idx_chunks_status_start,priority:2;not null"`
	RangeEnd    int64       `gorm:"not null"`
	Status      ChunkStatus `gorm:"index:idx_chunks_status_start,priority:1;size:20;default:'pending'"`
	ClaimedBy   string      `gorm:"size:255"`
	ClaimedAt   *time.Time  `gorm:"index"`
	Attempts    int         `gorm:"default:0"`
	LastError   string      `gorm:"type:text"`
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// Size returns the number of IDs covered by the chunk.
func (c *Chunk) Size() int64 {
	return c.RangeEnd - c.RangeStart + 1
}

// IDs enumerates the chunk's item IDs in ascending order.
func (c *Chunk) IDs() []int64 {
	ids := make([]int64, 0, c.Size())
	for id := c.RangeStart; id <= c.RangeEnd; id++ {
		ids = append(ids, id)
	}
	return ids
}

// Progress is an aggregate snapshot of the chunk table.
type Progress struct {
	Total   int64 `json:"total"`
	Pending int64 `json:"pending"`
	Claimed int64 `json:"claimed"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
}

// Percent returns the share of chunks that are done, in [0, 100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Done) / float64(p.Total) * 100
}

// Finished reports whether every chunk reached a terminal status.
func (p Progress) Finished() bool {
	return p.Total > 0 && p.Total == p.Done+p.Failed
}
