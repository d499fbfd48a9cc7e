// Package lease hands out exclusive, time-bounded claims on ready jobs.
//
// A lease is optimistic: candidates are read without locks and claimed with
// a conditional update, so a manager that loses a race simply moves on to the
// next candidate. Lease expiry restores a job to pending without consuming an
// attempt; it never interrupts an execution already in progress.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/seantiz/async/internal/model"
	"github.com/seantiz/async/internal/store"
)

const (
	// DefaultBatchSize is the number of ready candidates fetched per Acquire.
	DefaultBatchSize = 16
	// DefaultDuration bounds how long a worker may hold a job.
	DefaultDuration = 30 * time.Second
)

// ErrNoWork is returned by Acquire when no candidate could be leased.
var ErrNoWork = errors.New("no work available")

// Store is the subset of store.Store the manager needs.
type Store interface {
	FetchReady(ctx context.Context, limit int, now time.Time) ([]*model.Job, error)
	TryLease(ctx context.Context, id, owner string, d time.Duration, now time.Time) (*model.Job, bool, error)
	ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]string, error)
}

var _ Store = (store.Store)(nil)

// Manager acquires and reclaims leases against a Store.
type Manager struct {
	store     Store
	batchSize int
	duration  time.Duration
	now       func() time.Time
	onLost    func(id, owner string)

	conflicts atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithBatchSize sets how many candidates Acquire considers per call.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithDuration sets the lease duration.
func WithDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.duration = d
		}
	}
}

// WithClock sets the time source for eligibility and expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithConflictHook registers fn to be called each time a candidate is lost
// to another owner.
func WithConflictHook(fn func(id, owner string)) Option {
	return func(m *Manager) { m.onLost = fn }
}

// NewManager creates a lease manager backed by s.
func NewManager(s Store, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		batchSize: DefaultBatchSize,
		duration:  DefaultDuration,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Duration returns the lease duration granted by Acquire.
func (m *Manager) Duration() time.Duration {
	return m.duration
}

// Acquire leases the first eligible job, in readiness order, that owner can
// claim. It returns ErrNoWork when every candidate in the batch was taken by
// someone else or no job is ready.
func (m *Manager) Acquire(ctx context.Context, owner string) (*model.Job, error) {
	now := m.now()
	candidates, err := m.store.FetchReady(ctx, m.batchSize, now)
	if err != nil {
		return nil, fmt.Errorf("fetch ready jobs: %w", err)
	}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		j, ok, err := m.store.TryLease(ctx, c.ID, owner, m.duration, now)
		if errors.Is(err, store.ErrNotFound) {
			// Purged between fetch and lease.
			m.conflict(c.ID, owner)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lease job %s: %w", c.ID, err)
		}
		if !ok {
			m.conflict(c.ID, owner)
			continue
		}
		return j, nil
	}
	return nil, ErrNoWork
}

func (m *Manager) conflict(id, owner string) {
	m.conflicts.Add(1)
	if m.onLost != nil {
		m.onLost(id, owner)
	}
}

// Reclaim returns expired leases to pending and reports which jobs were
// released.
func (m *Manager) Reclaim(ctx context.Context) ([]string, error) {
	ids, err := m.store.ReleaseExpiredLeases(ctx, m.now())
	if err != nil {
		return nil, fmt.Errorf("release expired leases: %w", err)
	}
	return ids, nil
}

// Conflicts returns the number of lease attempts lost to another owner.
func (m *Manager) Conflicts() int64 {
	return m.conflicts.Load()
}
