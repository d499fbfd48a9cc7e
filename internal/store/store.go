package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/async/internal/model"
)

var (
	// ErrNotFound is returned when a job is not found.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidJob is returned when a submission is rejected before reaching storage.
	ErrInvalidJob = errors.New("invalid job")

	// ErrLeaseLost is returned when an outcome is reported by an owner that no
	// longer holds the job's lease.
	ErrLeaseLost = errors.New("lease lost")
)

// PersistenceError reports that the database could not complete an operation
// after transient failures were retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// SubmitOptions controls how a new job is persisted.
type SubmitOptions struct {
	// MaxAttempts is the job's retry budget. Zero uses the store's retry policy.
	MaxAttempts int
	// NotBefore delays eligibility. Zero means immediately eligible.
	NotBefore time.Time
}

// ListOptions filters and paginates ListJobs.
type ListOptions struct {
	State  model.State
	Kind   string
	Limit  int
	Offset int
}

// Outcome is the result of one execution attempt.
type Outcome struct {
	Failed bool
	Error  string
}

// Success is the outcome of an attempt that completed without error.
func Success() Outcome {
	return Outcome{}
}

// Failure is the outcome of an attempt that returned err.
func Failure(err error) Outcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Failed: true, Error: msg}
}

// JobStats holds aggregate queue statistics.
type JobStats struct {
	Total        int                 `json:"total"`
	CountByState map[model.State]int `json:"count_by_state"`
	CountByKind  map[string]int      `json:"count_by_kind"`
	AvgAttempts  float64             `json:"avg_attempts"`
}

// Store defines the transactional persistence operations for jobs. Every
// mutating operation is a single transaction, so concurrent callers can never
// observe two active leases on the same job.
type Store interface {
	// Submit inserts a new pending job.
	Submit(ctx context.Context, env model.Envelope, opts SubmitOptions) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, opts ListOptions) ([]*model.Job, int, error)

	// FetchReady returns up to limit pending jobs eligible at now, ordered by
	// not_before then id.
	FetchReady(ctx context.Context, limit int, now time.Time) ([]*model.Job, error)
	// TryLease claims a pending or expired-leased job for owner. It reports
	// false without blocking when another owner holds an active lease or the
	// job is no longer eligible.
	TryLease(ctx context.Context, id, owner string, d time.Duration, now time.Time) (*model.Job, bool, error)
	// Complete applies an attempt's outcome to a job leased by owner.
	Complete(ctx context.Context, id, owner string, outcome Outcome, now time.Time) (*model.Job, error)
	// ReleaseExpiredLeases returns jobs whose lease expired before now to
	// pending, leaving attempt_count unchanged, and returns their IDs.
	ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]string, error)

	// CountActive returns the number of pending and leased jobs.
	CountActive(ctx context.Context) (int, error)
	GetStats(ctx context.Context) (*JobStats, error)
	// PurgeFinished deletes done and dead jobs that finished before the cutoff.
	PurgeFinished(ctx context.Context, before time.Time) (int, error)
	Close() error
}
