// Package storage provides storage implementations for the backfill package.
package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/simple-backfill/pkg/core"
	"github.com/jdziat/simple-backfill/pkg/security"
)

// Defaults for the chunk state machine.
const (
	DefaultMaxAttempts  = 3
	DefaultLeaseTimeout = 15 * time.Minute
	defaultClaimRetries = 8
	seedBatchSize       = 500
	upsertBatchSize     = 500
)

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db           *gorm.DB
	maxAttempts  int
	lease        time.Duration
	claimRetries int
	now          func() time.Time
}

// Option configures a GormStorage.
type Option interface {
	apply(*GormStorage)
}

type optionFunc func(*GormStorage)

func (f optionFunc) apply(s *GormStorage) { f(s) }

// MaxAttempts sets how many failed attempts a chunk may accumulate before it
// becomes terminally failed. Values are clamped to [0, security.MaxAttempts].
func MaxAttempts(n int) Option {
	return optionFunc(func(s *GormStorage) {
		s.maxAttempts = security.ClampAttempts(n)
	})
}

// LeaseTimeout sets how long a claim stays valid without a heartbeat before
// another worker may take the chunk over.
func LeaseTimeout(d time.Duration) Option {
	return optionFunc(func(s *GormStorage) {
		if d > 0 {
			s.lease = d
		}
	})
}

// withClock overrides time.Now; tests use it to age claims.
func withClock(now func() time.Time) Option {
	return optionFunc(func(s *GormStorage) {
		s.now = now
	})
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB, opts ...Option) *GormStorage {
	s := &GormStorage{
		db:           db,
		maxAttempts:  DefaultMaxAttempts,
		lease:        DefaultLeaseTimeout,
		claimRetries: defaultClaimRetries,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.dialect() == "sqlite"
}

// IsPostgres reports whether the storage runs on PostgreSQL.
func (s *GormStorage) IsPostgres() bool {
	return s.dialect() == "postgres"
}

func (s *GormStorage) dialect() string {
	if s.db == nil || s.db.Dialector == nil {
		return ""
	}
	return s.db.Dialector.Name()
}

// MaxAttempts returns the configured attempt cap.
func (s *GormStorage) MaxAttempts() int {
	return s.maxAttempts
}

// Lease returns the configured lease timeout.
func (s *GormStorage) Lease() time.Duration {
	return s.lease
}

func (s *GormStorage) clock() time.Time {
	return s.now().UTC()
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Chunk{}, &core.Item{}, &core.ItemKid{})
}

// Ping checks that the database is reachable.
func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Truncate deletes every chunk, item and kid edge.
func (s *GormStorage) Truncate(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		global := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, model := range []any{&core.ItemKid{}, &core.Item{}, &core.Chunk{}} {
			if err := global.Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return classifyWriteError("truncate", err)
}

// Close closes the underlying connection pool.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ core.Storage = (*GormStorage)(nil)
