package migrations

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	t.Run("version errors unwrap to their kind", func(t *testing.T) {
		dup := duplicateVersion(7)
		assert.ErrorIs(t, dup, ErrDuplicateVersion)
		assert.Equal(t, "duplicate migration version: 7", dup.Error())

		inv := invalidVersion(-1)
		assert.ErrorIs(t, inv, ErrInvalidVersion)
		assert.Equal(t, "invalid migration version: -1", inv.Error())
	})

	t.Run("gap error names the missing version", func(t *testing.T) {
		err := &GapError{Missing: 42}
		assert.ErrorIs(t, err, ErrMigrationGap)
		assert.Equal(t, "migration gap detected: missing version 42", err.Error())
	})

	t.Run("checksum mismatch reports both digests", func(t *testing.T) {
		err := &ChecksumMismatchError{Version: 2, Expected: "abc123", Actual: "def456"}
		assert.ErrorIs(t, err, ErrChecksumMismatch)
		assert.Equal(t, "checksum mismatch for migration 2: expected abc123, got def456", err.Error())
	})

	t.Run("database error keeps the driver cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := databaseError(cause)
		assert.ErrorIs(t, err, ErrDatabase)
		assert.ErrorIs(t, err, cause)
		assert.Nil(t, databaseError(nil))
	})

	t.Run("lock error keeps key and cause", func(t *testing.T) {
		cause := errors.New("timeout")
		err := &LockError{Key: "app_migrations", cause: cause}
		assert.ErrorIs(t, err, ErrLock)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "app_migrations")
	})
}

func TestTransientMarker(t *testing.T) {
	cause := errors.New("deadlock")

	assert.False(t, IsTransient(cause))
	assert.True(t, IsTransient(Transient(cause)))
	assert.Nil(t, Transient(nil))

	// the marker survives wrapping
	wrapped := errors.Wrap(Transient(cause), "migration 3 failed")
	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, cause)
}
