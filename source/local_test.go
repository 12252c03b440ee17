package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parsql/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePair(t *testing.T, dir, base, up, down string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, base+".up.sql"), []byte(up), 0o644))
	if down != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, base+".down.sql"), []byte(down), 0o644))
	}
}

func TestScan(t *testing.T) {
	t.Run("pairs up and down files sorted by version", func(t *testing.T) {
		dir := t.TempDir()
		writePair(t, dir, "20250102000000_add_email", "ALTER TABLE users ADD COLUMN email TEXT;", "ALTER TABLE users DROP COLUMN email;")
		writePair(t, dir, "20250101000000_create_users", "CREATE TABLE users (id BIGINT);", "DROP TABLE users;")

		set, err := Scan(dir)
		require.NoError(t, err)
		require.Len(t, set, 2)

		assert.Equal(t, int64(20250101000000), set[0].Version())
		assert.Equal(t, "create_users", set[0].Name())
		assert.Equal(t, int64(20250102000000), set[1].Version())

		m, ok := set[0].(*migrations.SQLMigration)
		require.True(t, ok)
		assert.True(t, m.HasDown())
		assert.Contains(t, m.UpScripts(), "CREATE TABLE users")
	})

	t.Run("missing down file yields an irreversible migration", func(t *testing.T) {
		dir := t.TempDir()
		writePair(t, dir, "1_irreversible", "DELETE FROM audit_log;", "")

		set, err := Scan(dir)
		require.NoError(t, err)
		require.Len(t, set, 1)

		m := set[0].(*migrations.SQLMigration)
		assert.False(t, m.HasDown())
	})

	t.Run("down without up is rejected", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "5_orphan.down.sql"), []byte("DROP TABLE x;"), 0o644))

		_, err := Scan(dir)
		assert.ErrorIs(t, err, ErrMissingUpFile)
	})

	t.Run("one version with two names is rejected", func(t *testing.T) {
		dir := t.TempDir()
		writePair(t, dir, "7_first", "SELECT 1;", "")
		writePair(t, dir, "7_second", "SELECT 2;", "")

		_, err := Scan(dir)
		assert.ErrorIs(t, err, ErrVersionCollision)
	})

	t.Run("unrelated files are ignored", func(t *testing.T) {
		dir := t.TempDir()
		writePair(t, dir, "1_init", "CREATE TABLE a (id INT);", "DROP TABLE a;")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.sql"), []byte("SELECT 1;"), 0o644))

		set, err := Scan(dir)
		require.NoError(t, err)
		assert.Len(t, set, 1)
	})

	t.Run("missing folder", func(t *testing.T) {
		_, err := Scan(filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})
}

func TestCreate(t *testing.T) {
	dir := t.TempDir()

	upPath, downPath, err := Create(dir, 20250101123000, "create_users")
	require.NoError(t, err)

	assert.FileExists(t, upPath)
	assert.FileExists(t, downPath)
	assert.Equal(t, filepath.Join(dir, "20250101123000_create_users.up.sql"), upPath)

	// an existing pair must not be clobbered
	_, _, err = Create(dir, 20250101123000, "create_users")
	assert.Error(t, err)
}

func TestGenerateVersion(t *testing.T) {
	clock := func() time.Time {
		return time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	}

	assert.Equal(t, int64(20250314150926), GenerateVersion(clock))
	assert.Greater(t, GenerateVersion(nil), int64(20200101000000))
}
