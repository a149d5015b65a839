package core

import "context"

// Source is the remote, read-only item API.
type Source interface {
	// Item fetches one ID. An ID the source reports as null comes back as a
	// tombstone, not an error. Network timeouts and 5xx responses are
	// *TransientFetchError.
	Item(ctx context.Context, id int64) (*Item, error)
	// MaxItem returns the highest ID currently known to the source.
	MaxItem(ctx context.Context) (int64, error)
}
