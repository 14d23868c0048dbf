package db

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/scanfleet/internal/errors"
)

const lockPollInterval = 50 * time.Millisecond

// LockKey maps a lock name onto the bigint key space of advisory locks.
func LockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// WithLock runs fn in a transaction holding the named transaction-scoped
// advisory lock. The lock is polled until timeout elapses, after which
// errors.ErrBusy is returned without calling fn. The lock is released when the
// transaction ends.
func WithLock[T any](ctx context.Context, db *DB, name string, timeout time.Duration,
	fn func(tx *sqlx.Tx) (T, error)) (T, error) {
	var zero T

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return zero, SanitizeError("begin locked transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := acquireXactLock(ctx, tx, LockKey(name), timeout); err != nil {
		return zero, err
	}

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, SanitizeError("commit locked transaction", err)
	}
	return result, nil
}

func acquireXactLock(ctx context.Context, tx *sqlx.Tx, key int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var acquired bool
		if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, key).Scan(&acquired); err != nil {
			return SanitizeError("acquire advisory lock", err)
		}
		if acquired {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.ErrBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(lockPollInterval, remaining)):
		}
	}
}
