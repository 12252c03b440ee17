// Package sqlconn adapts a database/sql connection pool to the
// Connection capability the migration runner consumes. One Conn serves
// one backend: postgres, mysql or sqlite.
package sqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/parsql/migrations"
	"github.com/parsql/migrations/logger"
	"github.com/pkg/errors"
)

const (
	Postgres = "postgres"
	MySQL    = "mysql"
	SQLite   = "sqlite"
)

// savepoint name for the single supported nesting level
const savepointName = "parsql_migration"

var ErrUnsupportedDriver = errors.New("unsupported database driver")
var ErrNoTransaction = errors.New("no transaction in progress")
var ErrNestedTransaction = errors.New("transactions cannot nest beyond one savepoint")

type ctxExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Conn implements migrations.Connection and migrations.Locker on top of
// an sqlx pool. It is not safe for concurrent use; the runner drives it
// sequentially.
type Conn struct {
	db           *sqlx.DB
	databaseType string
	table        migrations.TableConfig
	lg           logger.Logger
	locker       locker

	tx          *sqlx.Tx
	inSavepoint bool
}

var _ migrations.Connection = (*Conn)(nil)
var _ migrations.Locker = (*Conn)(nil)

type Option func(*Conn)

func WithTableConfig(tc migrations.TableConfig) Option {
	return func(c *Conn) {
		c.table = tc
	}
}

func WithLogger(lg logger.Logger) Option {
	return func(c *Conn) {
		c.lg = lg
	}
}

// New wraps an existing pool. databaseType must be one of Postgres,
// MySQL or SQLite.
func New(db *sqlx.DB, databaseType string, opts ...Option) (*Conn, error) {
	c := &Conn{
		db:           db,
		databaseType: databaseType,
		table:        migrations.DefaultTableConfig(),
		lg:           &logger.NullLogger{},
	}

	switch databaseType {
	case Postgres:
		c.locker = &postgresLocker{}
	case MySQL:
		c.locker = &mysqlLocker{}
	case SQLite:
		c.locker = &nullLocker{}
	default:
		return nil, errors.Wrapf(ErrUnsupportedDriver, "%s", databaseType)
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Open dials the database and wraps it. For mysql the DSN is amended
// with parseTime=true so ledger timestamps scan into time.Time.
func Open(driverName, dsn string, opts ...Option) (*Conn, error) {
	databaseType, err := databaseTypeFor(driverName)
	if err != nil {
		return nil, err
	}

	if databaseType == MySQL && !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open [%s] connection", driverName)
	}

	return New(db, databaseType, opts...)
}

func databaseTypeFor(driverName string) (string, error) {
	switch driverName {
	case "postgres", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	case "sqlite3", "sqlite":
		return SQLite, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedDriver, "%s", driverName)
	}
}

func (c *Conn) Close() error {
	return c.db.Close()
}

func (c *Conn) DatabaseType() string {
	return c.databaseType
}

func (c *Conn) executor() ctxExecutor {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

func (c *Conn) Execute(ctx context.Context, query string) error {
	c.lg.SQL(query)
	if _, err := c.executor().ExecContext(ctx, query); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Conn) ExecuteWithResult(ctx context.Context, query string) (int64, error) {
	c.lg.SQL(query)
	result, err := c.executor().ExecContext(ctx, query)
	if err != nil {
		return 0, classify(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "could not count affected rows")
	}

	return affected, nil
}

func (c *Conn) QueryMigrations(ctx context.Context, table string) ([]migrations.MigrationRecord, error) {
	t := c.table
	query := fmt.Sprintf(
		"SELECT %s, %s, %s, %s, %s FROM %s ORDER BY %s",
		t.VersionColumn, t.NameColumn, t.AppliedAtColumn, t.ChecksumColumn, t.ExecutionTimeColumn,
		table, t.VersionColumn,
	)

	c.lg.SQL(query)
	rows, err := c.executor().QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var records []migrations.MigrationRecord
	for rows.Next() {
		var rec migrations.MigrationRecord
		if err := rows.Scan(&rec.Version, &rec.Name, &rec.AppliedAt, &rec.Checksum, &rec.ExecutionTimeMs); err != nil {
			return nil, errors.Wrapf(err, "could not scan a [%s] ledger row", table)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (c *Conn) BeginTransaction(ctx context.Context) error {
	if c.tx == nil {
		tx, err := c.db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "could not begin transaction")
		}
		c.tx = tx
		return nil
	}

	if c.inSavepoint {
		return ErrNestedTransaction
	}

	if _, err := c.tx.ExecContext(ctx, "SAVEPOINT "+savepointName); err != nil {
		return errors.Wrap(err, "could not create savepoint")
	}
	c.inSavepoint = true
	return nil
}

func (c *Conn) CommitTransaction(ctx context.Context) error {
	if c.tx == nil {
		return ErrNoTransaction
	}

	if c.inSavepoint {
		if _, err := c.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
			return errors.Wrap(err, "could not release savepoint")
		}
		c.inSavepoint = false
		return nil
	}

	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return errors.Wrap(err, "could not commit transaction")
	}
	return nil
}

func (c *Conn) RollbackTransaction(ctx context.Context) error {
	if c.tx == nil {
		return ErrNoTransaction
	}

	if c.inSavepoint {
		if _, err := c.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); err != nil {
			return errors.Wrap(err, "could not roll back to savepoint")
		}
		c.inSavepoint = false
		return nil
	}

	err := c.tx.Rollback()
	c.tx = nil
	if err != nil {
		return errors.Wrap(err, "could not roll back transaction")
	}
	return nil
}
