package core

import "time"

// Event is the interface for all worker events.
type Event interface {
	eventMarker()
}

// ChunkStarted is emitted when a worker takes ownership of a chunk.
type ChunkStarted struct {
	Chunk     *Chunk
	WorkerID  string
	Timestamp time.Time
}

func (*ChunkStarted) eventMarker() {}

// BatchFlushed is emitted after a batch of items was written.
type BatchFlushed struct {
	ChunkID    uint
	Items      int
	Tombstones int
	Duration   time.Duration
	Timestamp  time.Time
}

func (*BatchFlushed) eventMarker() {}

// ChunkCompleted is emitted when a chunk is marked done.
type ChunkCompleted struct {
	Chunk     *Chunk
	Items     int
	Duration  time.Duration
	Timestamp time.Time
}

func (*ChunkCompleted) eventMarker() {}

// ChunkRequeued is emitted when a failed chunk goes back to pending.
type ChunkRequeued struct {
	Chunk     *Chunk
	Attempt   int
	Error     error
	Timestamp time.Time
}

func (*ChunkRequeued) eventMarker() {}

// ChunkGaveUp is emitted when a chunk reaches the terminal failed state.
type ChunkGaveUp struct {
	Chunk     *Chunk
	Error     error
	Timestamp time.Time
}

func (*ChunkGaveUp) eventMarker() {}

// ItemSkipped is emitted when an ID exhausted its retries.
type ItemSkipped struct {
	ChunkID   uint
	ItemID    int64
	Error     error
	Timestamp time.Time
}

func (*ItemSkipped) eventMarker() {}
