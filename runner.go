package migrations

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parsql/migrations/internal/retry"
	"github.com/parsql/migrations/logger"
	"github.com/pkg/errors"
)

// Runner applies, reverses and audits an ordered set of migrations
// against a database reached through the Connection capability. It is
// synchronous and single-threaded per invocation: migrations execute
// strictly sequentially because later ones may depend on schema state
// produced by earlier ones.
type Runner struct {
	migrations Migrations
	config     Config
	lg         logger.Logger
}

func NewRunner(opts ...Option) *Runner {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = &logger.NullLogger{}
	}

	return &Runner{config: cfg, lg: cfg.Logger}
}

func (r *Runner) Add(m Migration) *Runner {
	r.migrations = append(r.migrations, m)
	return r
}

func (r *Runner) AddMany(ms ...Migration) *Runner {
	r.migrations = append(r.migrations, ms...)
	return r
}

func (r *Runner) Config() Config {
	return r.config
}

type action struct {
	dryRun bool
	target int64
}

// ActionOption customizes a single Run or Rollback invocation.
type ActionOption func(*action)

// WithDryRun reports what would be executed without touching the schema
// or the ledger. The ledger table is still created when AutoCreateTable
// is set, so the pending set can be computed against a fresh database.
func WithDryRun() ActionOption {
	return func(a *action) {
		a.dryRun = true
	}
}

// WithTarget caps a Run at the given version: migrations above it stay
// pending.
func WithTarget(version int64) ActionOption {
	return func(a *action) {
		a.target = version
	}
}

// Run applies all pending migrations in ascending version order. A run
// that partially fails still returns a well-formed report together with
// the error that stopped it; the ledger remains the durable record of
// what actually happened.
func (r *Runner) Run(ctx context.Context, conn Connection, opts ...ActionOption) (*MigrationReport, error) {
	act := new(action)
	for _, opt := range opts {
		opt(act)
	}

	report := NewReport()

	if r.config.AutoCreateTable {
		if err := r.ensureTable(ctx, conn); err != nil {
			return nil, err
		}
	}

	sort.Sort(r.migrations)

	if err := r.validateSet(); err != nil {
		return nil, err
	}

	applied, err := r.appliedMigrations(ctx, conn)
	if err != nil {
		return nil, err
	}

	if r.config.VerifyChecksums {
		for _, mismatch := range r.driftedMigrations(applied) {
			r.lg.Warnf("%s", mismatch.Error())
		}
	}

	if !act.dryRun {
		unlock, lockErr := r.acquireLock(ctx, conn)
		if lockErr != nil {
			return nil, lockErr
		}
		defer unlock()
	}

	for i := range r.migrations {
		m := r.migrations[i]
		version := m.Version()

		if act.target != 0 && version > act.target {
			break
		}

		if _, ok := applied[version]; ok {
			report.addSkipped(version)
			continue
		}

		// The applied set is the ledger as loaded at the start of the run.
		if !r.config.AllowOutOfOrder && len(applied) > 0 {
			if gapErr := r.checkGap(version, applied); gapErr != nil {
				report.Complete()
				return report, gapErr
			}
		}

		if act.dryRun {
			r.lg.Successf("would migrate %d: %s", version, m.Name())
			report.addSuccess(successResult(version, m.Name(), 0))
			continue
		}

		if execErr := r.executeMigration(ctx, conn, m, report); execErr != nil && r.config.StopOnError {
			report.Complete()
			return report, nil
		}
	}

	report.Complete()
	return report, nil
}

// Rollback reverts every applied migration with version strictly greater
// than targetVersion, most recent first. Migrations at or below the
// target are left untouched regardless of ledger state.
func (r *Runner) Rollback(ctx context.Context, conn Connection, targetVersion int64, opts ...ActionOption) (*MigrationReport, error) {
	act := new(action)
	for _, opt := range opts {
		opt(act)
	}

	report := NewReport()

	applied, err := r.appliedMigrations(ctx, conn)
	if err != nil {
		return nil, err
	}

	sort.Sort(sort.Reverse(r.migrations))

	if !act.dryRun {
		unlock, lockErr := r.acquireLock(ctx, conn)
		if lockErr != nil {
			return nil, lockErr
		}
		defer unlock()
	}

	for i := range r.migrations {
		m := r.migrations[i]
		version := m.Version()

		if version <= targetVersion {
			break
		}

		if _, ok := applied[version]; !ok {
			// nothing to revert
			continue
		}

		if !hasDown(m) {
			r.lg.Warnf("migration %d (%s) has no rollback action, skipping", version, m.Name())
			report.addSkipped(version)
			continue
		}

		if act.dryRun {
			r.lg.Successf("would roll back %d: %s", version, m.Name())
			report.addSuccess(successResult(version, m.Name(), 0))
			continue
		}

		if execErr := r.executeRollback(ctx, conn, m, report); execErr != nil && r.config.StopOnError {
			report.Complete()
			return report, nil
		}
	}

	report.Complete()
	return report, nil
}

// Status joins the configured migration set against the ledger and
// returns one entry per known migration, sorted by version ascending.
// It is a pure read: no side effects, no transaction.
func (r *Runner) Status(ctx context.Context, conn Connection) ([]MigrationStatus, error) {
	applied, err := r.appliedMigrations(ctx, conn)
	if err != nil {
		return nil, err
	}

	sort.Sort(r.migrations)

	statuses := make([]MigrationStatus, 0, len(r.migrations))
	for i := range r.migrations {
		m := r.migrations[i]
		status := MigrationStatus{
			Version: m.Version(),
			Name:    m.Name(),
		}

		if rec, ok := applied[m.Version()]; ok {
			status.Applied = true
			status.AppliedAt = rec.AppliedAt
			status.ExecutionTimeMs = rec.ExecutionTimeMs.Int64
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}

// Verify recomputes the checksum of every applied migration and reports
// each mismatch against the ledger. Drift is surfaced, never
// auto-corrected: silently re-hashing would hide divergence between
// environments.
func (r *Runner) Verify(ctx context.Context, conn Connection) ([]ChecksumMismatchError, error) {
	applied, err := r.appliedMigrations(ctx, conn)
	if err != nil {
		return nil, err
	}

	return r.driftedMigrations(applied), nil
}

// Validate checks the migration set without executing anything:
// duplicate and non-positive versions, gaps in front of every pending
// migration, and checksum drift. The first problem found is returned.
func (r *Runner) Validate(ctx context.Context, conn Connection) error {
	sort.Sort(r.migrations)

	if err := r.validateSet(); err != nil {
		return err
	}

	applied, err := r.appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	if !r.config.AllowOutOfOrder && len(applied) > 0 {
		for i := range r.migrations {
			version := r.migrations[i].Version()
			if _, ok := applied[version]; ok {
				continue
			}
			if gapErr := r.checkGap(version, applied); gapErr != nil {
				return gapErr
			}
		}
	}

	if mismatches := r.driftedMigrations(applied); len(mismatches) > 0 {
		first := mismatches[0]
		return &first
	}

	return nil
}

func (r *Runner) ensureTable(ctx context.Context, conn Connection) error {
	ddl, err := r.config.createTableSQL(conn.DatabaseType())
	if err != nil {
		return err
	}

	r.lg.SQL(ddl)
	if err := conn.Execute(ctx, ddl); err != nil {
		return errors.Wrapf(databaseError(err), "could not create migrations table [%s]", r.config.Table.TableName)
	}

	return nil
}

func (r *Runner) validateSet() error {
	seen := make(map[int64]struct{}, len(r.migrations))
	for i := range r.migrations {
		version := r.migrations[i].Version()

		if version <= 0 {
			return invalidVersion(version)
		}

		if _, ok := seen[version]; ok {
			return duplicateVersion(version)
		}
		seen[version] = struct{}{}
	}

	return nil
}

func (r *Runner) appliedMigrations(ctx context.Context, conn Connection) (map[int64]MigrationRecord, error) {
	records, err := conn.QueryMigrations(ctx, r.config.Table.TableName)
	if err != nil {
		return nil, errors.Wrapf(databaseError(err), "could not read the [%s] ledger", r.config.Table.TableName)
	}

	applied := make(map[int64]MigrationRecord, len(records))
	for i := range records {
		applied[records[i].Version] = records[i]
	}

	return applied, nil
}

func (r *Runner) driftedMigrations(applied map[int64]MigrationRecord) []ChecksumMismatchError {
	var mismatches []ChecksumMismatchError

	for i := range r.migrations {
		m := r.migrations[i]
		rec, ok := applied[m.Version()]
		if !ok || !rec.Checksum.Valid {
			continue
		}

		if actual := m.Checksum(); rec.Checksum.String != actual {
			mismatches = append(mismatches, ChecksumMismatchError{
				Version:  m.Version(),
				Expected: rec.Checksum.String,
				Actual:   actual,
			})
		}
	}

	sort.Slice(mismatches, func(i, j int) bool {
		return mismatches[i].Version < mismatches[j].Version
	})

	return mismatches
}

// checkGap fails when an unapplied migration sits between the largest
// applied version below the candidate and the candidate itself.
func (r *Runner) checkGap(version int64, applied map[int64]MigrationRecord) error {
	var maxApplied int64
	for v := range applied {
		if v < version && v > maxApplied {
			maxApplied = v
		}
	}

	for i := range r.migrations {
		v := r.migrations[i].Version()
		if v <= maxApplied || v >= version {
			continue
		}
		if _, ok := applied[v]; !ok {
			return &GapError{Missing: v}
		}
	}

	return nil
}

func (r *Runner) acquireLock(ctx context.Context, conn Connection) (func(), error) {
	lk, ok := conn.(Locker)
	if !ok {
		return func() {}, nil
	}

	if err := lk.Lock(ctx, r.config.LockKey, r.config.LockTimeout); err != nil {
		return nil, &LockError{Key: r.config.LockKey, cause: err}
	}

	return func() {
		if err := lk.Unlock(ctx, r.config.LockKey); err != nil {
			r.lg.Error(errors.Wrapf(err, "could not release migration lock [%s]", r.config.LockKey))
		}
	}, nil
}

func (r *Runner) executeMigration(ctx context.Context, conn Connection, m Migration, report *MigrationReport) error {
	version, name := m.Version(), m.Name()
	start := time.Now()

	r.lg.Debugf("applying migration %d: %s", version, name)

	err := r.withRetry(ctx, func() error {
		return r.applyOne(ctx, conn, m, start)
	})

	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		report.addFailure(failureResult(version, name, err, elapsed))
		r.lg.Error(errors.Wrapf(err, "migration %d (%s) failed", version, name))
		return err
	}

	report.addSuccess(successResult(version, name, elapsed))
	r.lg.Successf("migrated %d: %s (%dms)", version, name, elapsed)
	return nil
}

func (r *Runner) applyOne(ctx context.Context, conn Connection, m Migration, start time.Time) error {
	if !r.config.TransactionPerMigration {
		if err := m.Up(ctx, conn); err != nil {
			return err
		}
		// A failure past this point leaves the schema changed without a
		// ledger row; documented, not auto-recovered.
		return r.recordMigration(ctx, conn, m, time.Since(start).Milliseconds())
	}

	if err := conn.BeginTransaction(ctx); err != nil {
		return databaseError(err)
	}

	if err := m.Up(ctx, conn); err != nil {
		r.rollbackTx(ctx, conn)
		return err
	}

	if err := r.recordMigration(ctx, conn, m, time.Since(start).Milliseconds()); err != nil {
		r.rollbackTx(ctx, conn)
		return err
	}

	if err := conn.CommitTransaction(ctx); err != nil {
		r.rollbackTx(ctx, conn)
		return databaseError(err)
	}

	return nil
}

func (r *Runner) executeRollback(ctx context.Context, conn Connection, m Migration, report *MigrationReport) error {
	version, name := m.Version(), m.Name()
	start := time.Now()

	r.lg.Debugf("rolling back migration %d: %s", version, name)

	err := r.withRetry(ctx, func() error {
		return r.revertOne(ctx, conn, m)
	})

	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		report.addFailure(failureResult(version, name, err, elapsed))
		r.lg.Error(errors.Wrapf(err, "rollback of migration %d (%s) failed", version, name))
		return err
	}

	report.addSuccess(successResult(version, name, elapsed))
	r.lg.Successf("rolled back %d: %s (%dms)", version, name, elapsed)
	return nil
}

func (r *Runner) revertOne(ctx context.Context, conn Connection, m Migration) error {
	if !r.config.TransactionPerMigration {
		if err := m.Down(ctx, conn); err != nil {
			return err
		}
		return r.removeRecord(ctx, conn, m.Version())
	}

	if err := conn.BeginTransaction(ctx); err != nil {
		return databaseError(err)
	}

	if err := m.Down(ctx, conn); err != nil {
		r.rollbackTx(ctx, conn)
		return err
	}

	if err := r.removeRecord(ctx, conn, m.Version()); err != nil {
		r.rollbackTx(ctx, conn)
		return err
	}

	if err := conn.CommitTransaction(ctx); err != nil {
		r.rollbackTx(ctx, conn)
		return databaseError(err)
	}

	return nil
}

func (r *Runner) rollbackTx(ctx context.Context, conn Connection) {
	if err := conn.RollbackTransaction(ctx); err != nil {
		r.lg.Error(errors.Wrap(err, "could not roll back transaction"))
	}
}

func (r *Runner) recordMigration(ctx context.Context, conn Connection, m Migration, executionTimeMs int64) error {
	t := r.config.Table
	query := fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s, %s) VALUES (%d, '%s', '%s', %d)",
		t.TableName, t.VersionColumn, t.NameColumn, t.ChecksumColumn, t.ExecutionTimeColumn,
		m.Version(), escapeSQLString(m.Name()), escapeSQLString(m.Checksum()), executionTimeMs,
	)

	r.lg.SQL(query)
	if err := conn.Execute(ctx, query); err != nil {
		return errors.Wrapf(databaseError(err), "could not record migration %d in the ledger", m.Version())
	}

	return nil
}

func (r *Runner) removeRecord(ctx context.Context, conn Connection, version int64) error {
	t := r.config.Table
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE %s = %d",
		t.TableName, t.VersionColumn, version,
	)

	r.lg.SQL(query)
	if err := conn.Execute(ctx, query); err != nil {
		return errors.Wrapf(databaseError(err), "could not remove migration %d from the ledger", version)
	}

	return nil
}

func (r *Runner) withRetry(ctx context.Context, op func() error) error {
	if r.config.MaxRetries <= 0 {
		return op()
	}

	return retry.Incremental(ctx, r.config.RetryDelay, r.config.MaxRetries, func(attempt int) error {
		err := op()
		if err != nil && IsTransient(err) {
			return retry.Error(err, attempt)
		}
		return err
	})
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
