package migrations

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrDatabase         = errors.New("database error")
	ErrDuplicateVersion = errors.New("duplicate migration version")
	ErrInvalidVersion   = errors.New("invalid migration version")
	ErrMigrationGap     = errors.New("migration gap detected")
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
	ErrAlreadyApplied   = errors.New("migration has already been applied")
	ErrLock             = errors.New("could not acquire migration lock")
	ErrFailedState      = errors.New("migration is in a failed state and must be resolved manually")
	ErrNotFound         = errors.New("migration not found")
	ErrNoRollback       = errors.New("migration has no rollback action")
)

// VersionError reports a migration version that failed validation,
// either because it is duplicated within the set or not strictly positive.
type VersionError struct {
	Version int64
	kind    error
}

func duplicateVersion(version int64) *VersionError {
	return &VersionError{Version: version, kind: ErrDuplicateVersion}
}

func invalidVersion(version int64) *VersionError {
	return &VersionError{Version: version, kind: ErrInvalidVersion}
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s: %d", e.kind.Error(), e.Version)
}

func (e *VersionError) Unwrap() error {
	return e.kind
}

// GapError names the unapplied version sitting between two applied ones.
type GapError struct {
	Missing int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("migration gap detected: missing version %d", e.Missing)
}

func (e *GapError) Unwrap() error {
	return ErrMigrationGap
}

// ChecksumMismatchError means an applied migration's source was edited
// after the fact. It is surfaced, never auto-corrected.
type ChecksumMismatchError struct {
	Version  int64
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf(
		"checksum mismatch for migration %d: expected %s, got %s",
		e.Version, e.Expected, e.Actual,
	)
}

func (e *ChecksumMismatchError) Unwrap() error {
	return ErrChecksumMismatch
}

// DatabaseError wraps an opaque failure coming out of the connection
// capability so that callers can match on ErrDatabase while still
// unwrapping to the driver error.
type DatabaseError struct {
	cause error
}

func databaseError(cause error) error {
	if cause == nil {
		return nil
	}
	return &DatabaseError{cause: cause}
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error: %s", e.cause.Error())
}

func (e *DatabaseError) Unwrap() error {
	return e.cause
}

func (e *DatabaseError) Is(target error) bool {
	return target == ErrDatabase
}

// LockError wraps a failed advisory lock acquisition.
type LockError struct {
	Key   string
	cause error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("could not acquire migration lock [%s]: %s", e.Key, e.cause.Error())
}

func (e *LockError) Unwrap() error {
	return e.cause
}

func (e *LockError) Is(target error) bool {
	return target == ErrLock
}

type transientError struct {
	cause error
}

// Transient marks err as retryable. The runner re-attempts only operations
// whose failures carry this marker, up to Config.MaxRetries.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{cause: err}
}

func (e *transientError) Error() string {
	return e.cause.Error()
}

func (e *transientError) Unwrap() error {
	return e.cause
}

// IsTransient reports whether err was marked with Transient anywhere
// in its chain.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
