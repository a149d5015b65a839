package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jdziat/simple-backfill/pkg/core"
)

// classifyWriteError wraps a failed write as a core.StoreWriteError.
func classifyWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var swe *core.StoreWriteError
	if errors.As(err, &swe) {
		return err
	}
	return &core.StoreWriteError{Op: op, Err: err, Retryable: IsRetryable(err)}
}

// IsRetryable reports whether a driver error is transient: serialization
// failures, deadlocks, lock timeouts, a busy SQLite file or a dropped
// connection. Anything else, such as a constraint violation, is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var swe *core.StoreWriteError
	if errors.As(err, &swe) {
		return swe.Retryable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P01": // admin_shutdown
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, // ER_LOCK_WAIT_TIMEOUT
			1213: // ER_LOCK_DEADLOCK
			return true
		}
		return false
	}

	return isBusy(err)
}

// isBusy matches SQLite's busy and locked conditions by message.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
