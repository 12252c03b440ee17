package migrations

import (
	"fmt"
	"time"

	"github.com/parsql/migrations/logger"
	"github.com/pkg/errors"
)

const DefaultMigrationsTable = "parsql_migrations"

// TableConfig names the ledger table and its columns.
type TableConfig struct {
	TableName           string
	VersionColumn       string
	NameColumn          string
	AppliedAtColumn     string
	ChecksumColumn      string
	ExecutionTimeColumn string
	SuccessColumn       string
	RolledBackAtColumn  string
}

func DefaultTableConfig() TableConfig {
	return TableConfig{
		TableName:           DefaultMigrationsTable,
		VersionColumn:       "version",
		NameColumn:          "name",
		AppliedAtColumn:     "applied_at",
		ChecksumColumn:      "checksum",
		ExecutionTimeColumn: "execution_time_ms",
		SuccessColumn:       "success",
		RolledBackAtColumn:  "rolled_back_at",
	}
}

// Config controls the runner's behavior. It is consumed read-only; the
// zero value is not usable, start from DefaultConfig or NewRunner options.
type Config struct {
	Table TableConfig

	// TransactionPerMigration wraps each migration and its ledger
	// mutation in one transaction. When disabled, a mid-migration failure
	// may leave the schema changed without a ledger row.
	TransactionPerMigration bool

	// LockTimeout bounds how long the runner waits to acquire an
	// advisory lock before failing fast. Zero disables the bound.
	LockTimeout time.Duration
	LockKey     string

	// VerifyChecksums recomputes every applied migration's checksum
	// before a run and warns on drift. Mismatches never block the run;
	// callers that treat drift as fatal should use Validate.
	VerifyChecksums bool

	AllowOutOfOrder bool
	AutoCreateTable bool

	// MaxRetries and RetryDelay apply only to failures marked Transient.
	MaxRetries int
	RetryDelay time.Duration

	StopOnError bool

	// CreateTableSQL overrides the dialect-derived ledger DDL.
	CreateTableSQL string

	Logger logger.Logger
}

func DefaultConfig() Config {
	return Config{
		Table:                   DefaultTableConfig(),
		TransactionPerMigration: true,
		LockTimeout:             10 * time.Second,
		LockKey:                 DefaultMigrationsTable,
		VerifyChecksums:         true,
		AllowOutOfOrder:         false,
		AutoCreateTable:         true,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		StopOnError:             true,
		Logger:                  &logger.NullLogger{},
	}
}

// Option customizes a Runner's configuration.
type Option func(*Config)

func WithTableName(name string) Option {
	return func(c *Config) {
		c.Table.TableName = name
	}
}

func WithTableConfig(tc TableConfig) Option {
	return func(c *Config) {
		c.Table = tc
	}
}

func WithoutTransactions() Option {
	return func(c *Config) {
		c.TransactionPerMigration = false
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.LockTimeout = d
	}
}

func WithLockKey(key string) Option {
	return func(c *Config) {
		c.LockKey = key
	}
}

func WithChecksumVerification(enabled bool) Option {
	return func(c *Config) {
		c.VerifyChecksums = enabled
	}
}

func AllowOutOfOrder() Option {
	return func(c *Config) {
		c.AllowOutOfOrder = true
	}
}

func WithAutoCreateTable(enabled bool) Option {
	return func(c *Config) {
		c.AutoCreateTable = enabled
	}
}

func WithRetries(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// ContinueOnError lets independent migrations proceed past a failed one.
func ContinueOnError() Option {
	return func(c *Config) {
		c.StopOnError = false
	}
}

func WithCreateTableSQL(sql string) Option {
	return func(c *Config) {
		c.CreateTableSQL = sql
	}
}

func WithLogger(lg logger.Logger) Option {
	return func(c *Config) {
		c.Logger = lg
	}
}

// createTableSQL renders the idempotent ledger DDL for the backend the
// connection declares.
func (c Config) createTableSQL(databaseType string) (string, error) {
	if c.CreateTableSQL != "" {
		return c.CreateTableSQL, nil
	}

	t := c.Table
	switch databaseType {
	case "postgres", "postgresql":
		return fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				%s BIGINT PRIMARY KEY,
				%s VARCHAR(255) NOT NULL,
				%s TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				%s VARCHAR(64),
				%s BIGINT,
				%s BOOLEAN NOT NULL DEFAULT TRUE,
				%s TIMESTAMP
			)`,
			t.TableName, t.VersionColumn, t.NameColumn, t.AppliedAtColumn,
			t.ChecksumColumn, t.ExecutionTimeColumn, t.SuccessColumn, t.RolledBackAtColumn,
		), nil
	case "mysql":
		return fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				%s BIGINT PRIMARY KEY,
				%s VARCHAR(255) NOT NULL,
				%s TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				%s VARCHAR(64),
				%s BIGINT,
				%s BOOLEAN NOT NULL DEFAULT TRUE,
				%s TIMESTAMP NULL
			) ENGINE=INNODB`,
			t.TableName, t.VersionColumn, t.NameColumn, t.AppliedAtColumn,
			t.ChecksumColumn, t.ExecutionTimeColumn, t.SuccessColumn, t.RolledBackAtColumn,
		), nil
	case "sqlite", "sqlite3":
		return fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				%s INTEGER PRIMARY KEY,
				%s TEXT NOT NULL,
				%s TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
				%s TEXT,
				%s INTEGER,
				%s INTEGER NOT NULL DEFAULT 1,
				%s TEXT
			)`,
			t.TableName, t.VersionColumn, t.NameColumn, t.AppliedAtColumn,
			t.ChecksumColumn, t.ExecutionTimeColumn, t.SuccessColumn, t.RolledBackAtColumn,
		), nil
	default:
		return "", errors.Errorf("unsupported database type: %s", databaseType)
	}
}
