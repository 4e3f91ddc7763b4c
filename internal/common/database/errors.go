package database

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/apperrors"
)

// IsRetryableError returns true if err was caused by transient contention in the database: serialization
// failures, deadlocks and lock timeouts in postgres, or a busy/locked database in sqlite.
func IsRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure,
			pgerrcode.DeadlockDetected,
			pgerrcode.LockNotAvailable,
			pgerrcode.QueryCanceled,
			pgerrcode.TooManyConnections,
			pgerrcode.AdminShutdown:
			return true
		}
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return pgconn.Timeout(err)
}

// MarkRetryable wraps a failed store operation in an *apperrors.ErrRetryable. Nothing is committed when a store
// operation fails, so the caller may always retry it; only cancellation of the caller's own context is returned
// unwrapped.
func MarkRetryable(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.WithStack(&apperrors.ErrRetryable{Operation: operation, Cause: err})
}

// IsUniqueViolation returns true if err is a postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
