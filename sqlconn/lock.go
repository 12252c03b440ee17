package sqlconn

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

var ErrLockNotAcquired = errors.New("advisory lock not acquired")

// locker holds a backend advisory lock on a dedicated connection so that
// acquire and release happen on the same session regardless of pooling.
type locker interface {
	lock(ctx context.Context, db *sql.DB, key string, timeout time.Duration) error
	unlock(ctx context.Context, key string) error
}

// Lock acquires an exclusive advisory lock, waiting at most timeout.
func (c *Conn) Lock(ctx context.Context, key string, timeout time.Duration) error {
	return c.locker.lock(ctx, c.db.DB, key, timeout)
}

func (c *Conn) Unlock(ctx context.Context, key string) error {
	return c.locker.unlock(ctx, key)
}

type mysqlLocker struct {
	conn *sql.Conn
}

func (l *mysqlLocker) lock(ctx context.Context, db *sql.DB, key string, timeout time.Duration) error {
	if l.conn != nil {
		return nil
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "could not obtain a dedicated lock connection")
	}

	seconds := int(timeout.Seconds())
	if timeout > 0 && seconds == 0 {
		seconds = 1
	}

	var acquired sql.NullInt64
	row := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", key, seconds)
	if err := row.Scan(&acquired); err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, "could not obtain [%s] MySQL lock", key)
	}

	if !acquired.Valid || acquired.Int64 != 1 {
		_ = conn.Close()
		return errors.Wrapf(ErrLockNotAcquired, "[%s] after %s", key, timeout)
	}

	l.conn = conn
	return nil
}

func (l *mysqlLocker) unlock(ctx context.Context, key string) error {
	if l.conn == nil {
		return nil
	}

	_, err := l.conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", key)
	closeErr := l.conn.Close()
	l.conn = nil

	if err != nil {
		return errors.Wrapf(err, "could not release [%s] MySQL lock", key)
	}
	return closeErr
}

type postgresLocker struct {
	conn *sql.Conn
}

const pgLockPollInterval = 100 * time.Millisecond

// pg_try_advisory_lock is polled until timeout; lock_timeout does not
// cover advisory locks.
func (l *postgresLocker) lock(ctx context.Context, db *sql.DB, key string, timeout time.Duration) error {
	if l.conn != nil {
		return nil
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "could not obtain a dedicated lock connection")
	}

	deadline := time.Now().Add(timeout)
	for {
		var acquired bool
		row := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key)
		if err := row.Scan(&acquired); err != nil {
			_ = conn.Close()
			return errors.Wrapf(err, "could not obtain [%s] Postgres advisory lock", key)
		}

		if acquired {
			l.conn = conn
			return nil
		}

		if timeout > 0 && time.Now().After(deadline) {
			_ = conn.Close()
			return errors.Wrapf(ErrLockNotAcquired, "[%s] after %s", key, timeout)
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		case <-time.After(pgLockPollInterval):
		}
	}
}

func (l *postgresLocker) unlock(ctx context.Context, key string) error {
	if l.conn == nil {
		return nil
	}

	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", key)
	closeErr := l.conn.Close()
	l.conn = nil

	if err != nil {
		return errors.Wrapf(err, "could not release [%s] Postgres advisory lock", key)
	}
	return closeErr
}

// sqlite serializes writers on its own
type nullLocker struct{}

func (nullLocker) lock(context.Context, *sql.DB, string, time.Duration) error {
	return nil
}

func (nullLocker) unlock(context.Context, string) error {
	return nil
}
