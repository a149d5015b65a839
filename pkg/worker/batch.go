package worker

import (
	"context"
	"sync"

	"github.com/jdziat/simple-backfill/pkg/core"
)

// batcher accumulates fetched items and hands them to flush in groups of
// size. Add blocks while a flush is running, which throttles fetchers to the
// speed of the store.
type batcher struct {
	mu    sync.Mutex
	size  int
	buf   []*core.Item
	flush func(context.Context, []*core.Item) error
}

func newBatcher(size int, flush func(context.Context, []*core.Item) error) *batcher {
	if size < 1 {
		size = 1
	}
	return &batcher{
		size:  size,
		buf:   make([]*core.Item, 0, size),
		flush: flush,
	}
}

// Add appends item and flushes when the batch is full.
func (b *batcher) Add(ctx context.Context, item *core.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, item)
	if len(b.buf) < b.size {
		return nil
	}
	return b.flushLocked(ctx)
}

// Flush writes whatever is buffered.
func (b *batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// Pending returns the number of buffered items.
func (b *batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *batcher) flushLocked(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	items := b.buf
	b.buf = make([]*core.Item, 0, b.size)
	return b.flush(ctx, items)
}
