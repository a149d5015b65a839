// Package dispatcher seeds the chunk queue, runs a pool of workers against
// it and reports progress until every chunk is terminal.
//
// A run is idempotent: seeding only adds chunks above the stored high-water
// mark, claims abandoned by a previous run are returned to pending before any
// worker starts, and items are upserted.
package dispatcher
