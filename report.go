package migrations

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MigrationResult is the outcome of one migration's apply or revert.
type MigrationResult struct {
	Version         int64
	Name            string
	Success         bool
	Error           string
	ExecutionTimeMs int64
	ExecutedAt      time.Time
}

func successResult(version int64, name string, executionTimeMs int64) MigrationResult {
	return MigrationResult{
		Version:         version,
		Name:            name,
		Success:         true,
		ExecutionTimeMs: executionTimeMs,
		ExecutedAt:      time.Now(),
	}
}

func failureResult(version int64, name string, err error, executionTimeMs int64) MigrationResult {
	return MigrationResult{
		Version:         version,
		Name:            name,
		Success:         false,
		Error:           err.Error(),
		ExecutionTimeMs: executionTimeMs,
		ExecutedAt:      time.Now(),
	}
}

// MigrationReport summarizes one Run or Rollback invocation. It is
// ephemeral; the ledger stays the durable source of truth for what
// actually happened.
type MigrationReport struct {
	RunID       string
	Successful  []MigrationResult
	Failed      []MigrationResult
	Skipped     []int64
	StartedAt   time.Time
	CompletedAt time.Time
	TotalTimeMs int64

	completed bool
}

func NewReport() *MigrationReport {
	return &MigrationReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
}

func (r *MigrationReport) addSuccess(result MigrationResult) {
	r.Successful = append(r.Successful, result)
}

func (r *MigrationReport) addFailure(result MigrationResult) {
	r.Failed = append(r.Failed, result)
}

func (r *MigrationReport) addSkipped(version int64) {
	r.Skipped = append(r.Skipped, version)
}

// Complete freezes the report. The first call sets CompletedAt and
// derives TotalTimeMs; further calls are no-ops.
func (r *MigrationReport) Complete() {
	if r.completed {
		return
	}
	r.completed = true
	r.CompletedAt = time.Now()
	r.TotalTimeMs = r.CompletedAt.Sub(r.StartedAt).Milliseconds()
}

func (r *MigrationReport) SuccessfulCount() int {
	return len(r.Successful)
}

func (r *MigrationReport) FailedCount() int {
	return len(r.Failed)
}

func (r *MigrationReport) SkippedCount() int {
	return len(r.Skipped)
}

func (r *MigrationReport) IsSuccess() bool {
	return len(r.Failed) == 0
}

func (r *MigrationReport) Summary() string {
	return fmt.Sprintf(
		"Migration Report: %d successful, %d failed, %d skipped (%dms)",
		r.SuccessfulCount(), r.FailedCount(), r.SkippedCount(), r.TotalTimeMs,
	)
}

// MigrationStatus is a derived view joining the configured migration set
// against the ledger. Not persisted.
type MigrationStatus struct {
	Version         int64
	Name            string
	Applied         bool
	AppliedAt       time.Time
	ExecutionTimeMs int64
}
