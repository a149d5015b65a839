// Package security provides validation, sanitization, and limits for the backfill package.
//
// This package includes:
//   - Input validation for worker IDs and seed ranges
//   - Error message sanitization before reasons are stored on chunks
//   - Clamping functions to enforce safe limits on workers, concurrency and batch sizes
//   - Security-related constants defining maximum sizes and counts
//
// Most users should import the root package github.com/jdziat/simple-backfill
// which re-exports these functions.
package security
