// Package worker provides the Worker that drains the chunk queue.
//
// A Worker claims one chunk at a time, fetches every ID in its range with a
// bounded number of concurrent requests, writes the results in batches and
// then completes the chunk. An ID that keeps failing after its retries makes
// the whole chunk fail, and the queue requeues it until its attempt budget
// is spent. Writes are upserts, so processing a chunk twice is harmless.
//
// Workers share nothing but the store. Run several in one process (the
// dispatcher does) or one per process.
package worker
