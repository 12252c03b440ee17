package migrations

import (
	"context"
	"database/sql"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	insertRx = regexp.MustCompile(`^INSERT INTO (\S+) \([^)]+\) VALUES \((\d+), '([^']*)', '([^']*)', (\d+)\)$`)
	deleteRx = regexp.MustCompile(`^DELETE FROM (\S+) WHERE \S+ = (\d+)$`)
)

// fakeConn scripts the connection capability: it keeps a committed
// ledger and a committed statement log, stages both while a transaction
// is open, and discards the staged work on rollback.
type fakeConn struct {
	databaseType string
	ledger       map[int64]MigrationRecord
	statements   []string // committed schema statements
	executed     []string // every statement attempted, in order
	failOn       map[string]error

	inTx         bool
	txStatements []string
	txInserts    []MigrationRecord
	txDeletes    []int64

	begun, committed, rolledBack int
}

var _ Connection = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		databaseType: "sqlite",
		ledger:       make(map[int64]MigrationRecord),
		failOn:       make(map[string]error),
	}
}

func (c *fakeConn) DatabaseType() string { return c.databaseType }

func (c *fakeConn) Execute(_ context.Context, query string) error {
	c.executed = append(c.executed, query)

	for substr, err := range c.failOn {
		if strings.Contains(query, substr) {
			return err
		}
	}

	if m := insertRx.FindStringSubmatch(query); m != nil {
		version, _ := strconv.ParseInt(m[2], 10, 64)
		execMs, _ := strconv.ParseInt(m[5], 10, 64)
		rec := MigrationRecord{
			Version:         version,
			Name:            m[3],
			AppliedAt:       time.Now(),
			Checksum:        sql.NullString{String: m[4], Valid: true},
			ExecutionTimeMs: sql.NullInt64{Int64: execMs, Valid: true},
		}

		if c.inTx {
			c.txInserts = append(c.txInserts, rec)
			return nil
		}
		if _, dup := c.ledger[version]; dup {
			return errors.Errorf("UNIQUE constraint failed: version %d", version)
		}
		c.ledger[version] = rec
		return nil
	}

	if m := deleteRx.FindStringSubmatch(query); m != nil {
		version, _ := strconv.ParseInt(m[2], 10, 64)
		if c.inTx {
			c.txDeletes = append(c.txDeletes, version)
			return nil
		}
		delete(c.ledger, version)
		return nil
	}

	if c.inTx {
		c.txStatements = append(c.txStatements, query)
		return nil
	}
	c.statements = append(c.statements, query)
	return nil
}

func (c *fakeConn) ExecuteWithResult(ctx context.Context, query string) (int64, error) {
	if err := c.Execute(ctx, query); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *fakeConn) QueryMigrations(_ context.Context, _ string) ([]MigrationRecord, error) {
	records := make([]MigrationRecord, 0, len(c.ledger))
	for _, rec := range c.ledger {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Version < records[j].Version
	})
	return records, nil
}

func (c *fakeConn) BeginTransaction(context.Context) error {
	if c.inTx {
		return errors.New("transaction already in progress")
	}
	c.inTx = true
	c.begun++
	return nil
}

func (c *fakeConn) CommitTransaction(context.Context) error {
	if !c.inTx {
		return errors.New("no transaction in progress")
	}

	for _, rec := range c.txInserts {
		if _, dup := c.ledger[rec.Version]; dup {
			c.discard()
			return errors.Errorf("UNIQUE constraint failed: version %d", rec.Version)
		}
		c.ledger[rec.Version] = rec
	}
	for _, version := range c.txDeletes {
		delete(c.ledger, version)
	}
	c.statements = append(c.statements, c.txStatements...)

	c.discard()
	c.committed++
	return nil
}

func (c *fakeConn) RollbackTransaction(context.Context) error {
	if !c.inTx {
		return errors.New("no transaction in progress")
	}
	c.discard()
	c.rolledBack++
	return nil
}

func (c *fakeConn) discard() {
	c.inTx = false
	c.txStatements = nil
	c.txInserts = nil
	c.txDeletes = nil
}

func (c *fakeConn) seedApplied(m Migration) {
	c.ledger[m.Version()] = MigrationRecord{
		Version:         m.Version(),
		Name:            m.Name(),
		AppliedAt:       time.Now(),
		Checksum:        sql.NullString{String: m.Checksum(), Valid: true},
		ExecutionTimeMs: sql.NullInt64{Int64: 5, Valid: true},
	}
}

func (c *fakeConn) hasStatement(substr string) bool {
	for _, s := range c.statements {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func (c *fakeConn) executedIndex(substr string) int {
	for i, s := range c.executed {
		if strings.Contains(s, substr) {
			return i
		}
	}
	return -1
}

// lockingConn layers the Locker capability over fakeConn.
type lockingConn struct {
	*fakeConn
	lockErr  error
	locked   []string
	unlocked []string
}

var _ Locker = (*lockingConn)(nil)

func (c *lockingConn) Lock(_ context.Context, key string, _ time.Duration) error {
	if c.lockErr != nil {
		return c.lockErr
	}
	c.locked = append(c.locked, key)
	return nil
}

func (c *lockingConn) Unlock(_ context.Context, key string) error {
	c.unlocked = append(c.unlocked, key)
	return nil
}
