// Package storage persists the chunk queue and the fetched items.
//
// GormStorage implements core.Storage on GORM and runs against SQLite,
// PostgreSQL or MySQL. Open picks the dialector from the DSN scheme.
//
// Claims are conditional UPDATEs that only match while a chunk is still
// eligible. On PostgreSQL the candidate row is additionally selected with
// FOR UPDATE SKIP LOCKED so concurrent claimers rarely collide.
package storage
