package migrations

import (
	"context"
	"database/sql"
	"time"
)

// Connection is the narrow capability the runner consumes. One
// implementation exists per database backend; the runner is agnostic to
// which. Implementations are not expected to be safe for concurrent use;
// the runner drives them strictly sequentially.
//
// Any blocking (network I/O, lock waits) happens inside the
// implementation and is bounded by the context handed to each call.
type Connection interface {
	// Execute runs a single SQL statement.
	Execute(ctx context.Context, query string) error

	// ExecuteWithResult runs a statement and reports affected rows.
	ExecuteWithResult(ctx context.Context, query string) (int64, error)

	// QueryMigrations reads the full ledger from the given table,
	// ordered by version ascending.
	QueryMigrations(ctx context.Context, table string) ([]MigrationRecord, error)

	// BeginTransaction, CommitTransaction and RollbackTransaction bracket
	// one migration's schema change together with its ledger mutation.
	// Implementations lacking true nested transactions may model one
	// nesting level with a savepoint.
	BeginTransaction(ctx context.Context) error
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error

	// DatabaseType names the backend ("postgres", "mysql", "sqlite")
	// and selects the DDL dialect for the ledger table.
	DatabaseType() string
}

// Locker is an optional capability of a Connection. When present the
// runner holds an exclusive advisory lock for the duration of a run or
// rollback, failing fast after timeout instead of hanging. Without it the
// ledger's primary key remains the minimal guarantee against concurrent
// appliers.
type Locker interface {
	Lock(ctx context.Context, key string, timeout time.Duration) error
	Unlock(ctx context.Context, key string) error
}

// MigrationRecord is one persisted ledger row. At most one record exists
// per version; a record exists iff that version has been successfully
// applied and not yet rolled back.
type MigrationRecord struct {
	Version         int64
	Name            string
	AppliedAt       time.Time
	Checksum        sql.NullString
	ExecutionTimeMs sql.NullInt64
}
