// Package runlock provides a cross-process advisory lock over the shared
// Postgres connection, so at most one Signal Monitor cycle executes at a
// time across every running process.
package runlock

import (
	"database/sql"
	"fmt"
)

// AdvisoryLockID is the reserved integer constant for the Signal Monitor's
// run lock, named in spec.md §6 ("an advisory-lock id is reserved for the
// run lock").
const AdvisoryLockID int64 = 482719

// ErrLocked describes a lock held by another process. TryAcquire does not
// return it; it reports a held lock as (false, nil).
var ErrLocked = fmt.Errorf("run lock held by another process")

// Lock wraps pg_try_advisory_lock/pg_advisory_unlock over a *sql.DB. On
// sqlite (local/dev/test driver) it degrades to a permissive no-op, since
// sqlite has no cross-process advisory lock primitive and test/dev runs are
// always single-process.
type Lock struct {
	db         *sql.DB
	lockID     int64
	isPostgres bool
}

// New constructs a Lock over conn. driver must match the value used to open
// the underlying storage.Database ("postgres" or "sqlite").
func New(conn *sql.DB, driver string) *Lock {
	return &Lock{db: conn, lockID: AdvisoryLockID, isPostgres: driver == "postgres"}
}

// TryAcquire attempts to take the lock without blocking, returning false
// with a nil error if another process already holds it.
func (l *Lock) TryAcquire() (bool, error) {
	if !l.isPostgres {
		return true, nil
	}

	var acquired bool
	if err := l.db.QueryRow("SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("advisory lock query failed: %w", err)
	}
	return acquired, nil
}

// Release gives up the lock. Safe to call even if TryAcquire returned false;
// a no-op in that case.
func (l *Lock) Release() error {
	if !l.isPostgres {
		return nil
	}
	_, err := l.db.Exec("SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
