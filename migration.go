package migrations

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Migration is one versioned, named, reversible schema change. Versions
// must be strictly positive and unique within the set handed to a Runner;
// a sortable timestamp-like integer (e.g. 20060102150405) keeps numeric
// and lexical ordering in agreement.
type Migration interface {
	Version() int64
	Name() string
	Up(ctx context.Context, conn Connection) error
	Down(ctx context.Context, conn Connection) error
	Checksum() string
}

// DefaultChecksum digests a migration's identity. Migrations that carry
// their full SQL text should hash that instead, so post-application edits
// to the statements are detectable.
func DefaultChecksum(version int64, name string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(version, 10)))
	h.Write([]byte(name))
	return hex.EncodeToString(h.Sum(nil))
}

// SQLMigration is a migration defined by plain SQL scripts. The checksum
// covers version, name and every up statement.
type SQLMigration struct {
	version int64
	name    string
	up      []string
	down    []string
}

func NewSQLMigration(version int64, name, up, down string) *SQLMigration {
	m := &SQLMigration{version: version, name: name}
	if strings.TrimSpace(up) != "" {
		m.up = []string{up}
	}
	if strings.TrimSpace(down) != "" {
		m.down = []string{down}
	}
	return m
}

// NewSQLScriptsMigration builds a migration from multiple up and down
// statements, executed in order.
func NewSQLScriptsMigration(version int64, name string, up, down []string) *SQLMigration {
	return &SQLMigration{version: version, name: name, up: up, down: down}
}

func (m *SQLMigration) Version() int64 { return m.version }
func (m *SQLMigration) Name() string   { return m.name }

func (m *SQLMigration) Up(ctx context.Context, conn Connection) error {
	for i := range m.up {
		if err := conn.Execute(ctx, m.up[i]); err != nil {
			return errors.Wrapf(err, "migration %d (%s) up statement %d failed", m.version, m.name, i+1)
		}
	}
	return nil
}

func (m *SQLMigration) Down(ctx context.Context, conn Connection) error {
	if len(m.down) == 0 {
		return errors.Wrapf(ErrNoRollback, "migration %d (%s)", m.version, m.name)
	}
	for i := range m.down {
		if err := conn.Execute(ctx, m.down[i]); err != nil {
			return errors.Wrapf(err, "migration %d (%s) down statement %d failed", m.version, m.name, i+1)
		}
	}
	return nil
}

func (m *SQLMigration) HasDown() bool { return len(m.down) > 0 }

func (m *SQLMigration) Checksum() string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(m.version, 10)))
	h.Write([]byte(m.name))
	for i := range m.up {
		h.Write([]byte(m.up[i]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// UpScripts joins the up statements into a single script, each statement
// terminated with a semicolon.
func (m *SQLMigration) UpScripts() string {
	return joinScripts(m.up)
}

func (m *SQLMigration) DownScripts() string {
	return joinScripts(m.down)
}

func joinScripts(scripts []string) string {
	var b strings.Builder
	for i := range scripts {
		b.WriteString(scripts[i])
		if !strings.HasSuffix(strings.TrimSpace(scripts[i]), ";") {
			b.WriteString(";")
		}
		if i < len(scripts)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// MigrateFunc is the body of a programmatic migration step.
type MigrateFunc func(ctx context.Context, conn Connection) error

// FuncMigration is a migration defined in code rather than SQL text.
// Its checksum is derived from version and name only, so it cannot
// detect edits to the function bodies.
type FuncMigration struct {
	version int64
	name    string
	up      MigrateFunc
	down    MigrateFunc
}

func NewFuncMigration(version int64, name string, up, down MigrateFunc) *FuncMigration {
	return &FuncMigration{version: version, name: name, up: up, down: down}
}

func (m *FuncMigration) Version() int64 { return m.version }
func (m *FuncMigration) Name() string   { return m.name }

func (m *FuncMigration) Up(ctx context.Context, conn Connection) error {
	if m.up == nil {
		return errors.Errorf("migration %d (%s) has no up action", m.version, m.name)
	}
	return m.up(ctx, conn)
}

func (m *FuncMigration) Down(ctx context.Context, conn Connection) error {
	if m.down == nil {
		return errors.Wrapf(ErrNoRollback, "migration %d (%s)", m.version, m.name)
	}
	return m.down(ctx, conn)
}

func (m *FuncMigration) HasDown() bool { return m.down != nil }

func (m *FuncMigration) Checksum() string {
	return DefaultChecksum(m.version, m.name)
}

// reversible is implemented by migrations that can tell up front whether
// they carry a down action. Migrations lacking it are assumed reversible.
type reversible interface {
	HasDown() bool
}

func hasDown(m Migration) bool {
	if r, ok := m.(reversible); ok {
		return r.HasDown()
	}
	return true
}

// Migrations is an ordered collection of migration units.
type Migrations []Migration

func (ms Migrations) Len() int           { return len(ms) }
func (ms Migrations) Less(i, j int) bool { return ms[i].Version() < ms[j].Version() }
func (ms Migrations) Swap(i, j int)      { ms[i], ms[j] = ms[j], ms[i] }

func (ms Migrations) Versions() []int64 {
	result := make([]int64, 0, len(ms))
	for i := range ms {
		result = append(result, ms[i].Version())
	}
	return result
}

func (ms Migrations) Find(version int64) (Migration, bool) {
	for i := range ms {
		if ms[i].Version() == version {
			return ms[i], true
		}
	}
	return nil, false
}
