// Package core provides the fundamental types and interfaces for the backfill package.
//
// This package contains:
//   - Chunk and Item data models with GORM annotations
//   - ChunkQueue and ItemStore interfaces defining the persistence contract
//   - Event types for progress monitoring
//   - Error types for fetch, store and startup failures
//
// Most users should import the root package github.com/jdziat/simple-backfill
// instead of this package directly.
package core
