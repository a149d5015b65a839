// Package schedule decides when a long-running dispatcher re-reads the
// source's maxitem and extends the queue.
//
// This package includes:
//   - Schedule interface returning the next run after a given time
//   - Every() for fixed-interval schedules
//   - Parse() for bare intervals ("10m"), cron expressions and descriptors
//     such as "@hourly" or "@every 10m"
package schedule
