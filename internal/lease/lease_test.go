package lease_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/async/internal/lease"
	"github.com/seantiz/async/internal/model"
	"github.com/seantiz/async/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, c *clock) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"), store.WithClock(c.Now))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func submit(t *testing.T, s store.Store, opts store.SubmitOptions) *model.Job {
	t.Helper()
	j, err := s.Submit(context.Background(), model.Envelope{Kind: "test"}, opts)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return j
}

func TestAcquireReadinessOrder(t *testing.T) {
	c := newClock()
	s := newTestStore(t, c)
	m := lease.NewManager(s, lease.WithClock(c.Now))

	later := submit(t, s, store.SubmitOptions{NotBefore: c.Now().Add(-time.Second)})
	first := submit(t, s, store.SubmitOptions{NotBefore: c.Now().Add(-time.Minute)})

	j, err := m.Acquire(context.Background(), "w1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if j.ID != first.ID {
		t.Errorf("Acquire = %s, want earliest-ready %s", j.ID, first.ID)
	}
	if j.State != model.StateLeased || j.LeaseOwner != "w1" {
		t.Errorf("job = %s/%s, want leased/w1", j.State, j.LeaseOwner)
	}
	if j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Equal(c.Now().Add(lease.DefaultDuration)) {
		t.Errorf("LeaseExpiresAt = %v, want now+%v", j.LeaseExpiresAt, lease.DefaultDuration)
	}

	j, err = m.Acquire(context.Background(), "w2")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if j.ID != later.ID {
		t.Errorf("second Acquire = %s, want %s", j.ID, later.ID)
	}

	if _, err := m.Acquire(context.Background(), "w3"); !errors.Is(err, lease.ErrNoWork) {
		t.Errorf("Acquire on drained queue error = %v, want ErrNoWork", err)
	}
}

func TestAcquireSkipsFutureJobs(t *testing.T) {
	c := newClock()
	s := newTestStore(t, c)
	m := lease.NewManager(s, lease.WithClock(c.Now))

	submit(t, s, store.SubmitOptions{NotBefore: c.Now().Add(time.Minute)})
	if _, err := m.Acquire(context.Background(), "w1"); !errors.Is(err, lease.ErrNoWork) {
		t.Fatalf("Acquire error = %v, want ErrNoWork", err)
	}

	c.Advance(time.Minute)
	if _, err := m.Acquire(context.Background(), "w1"); err != nil {
		t.Fatalf("Acquire after delay: %v", err)
	}
}

// A worker that leases a job and disappears must not strand it: once the
// lease expires the job is reclaimed with its attempt count untouched and
// another worker can take it.
func TestCrashedOwnerIsReclaimed(t *testing.T) {
	c := newClock()
	s := newTestStore(t, c)
	m := lease.NewManager(s, lease.WithClock(c.Now), lease.WithDuration(time.Second))
	ctx := context.Background()

	j := submit(t, s, store.SubmitOptions{})
	if _, err := m.Acquire(ctx, "crashed"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ids, err := m.Reclaim(ctx)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("Reclaim before expiry released %v", ids)
	}

	c.Advance(2 * time.Second)
	ids, err = m.Reclaim(ctx)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(ids) != 1 || ids[0] != j.ID {
		t.Fatalf("Reclaim = %v, want [%s]", ids, j.ID)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != model.StatePending || got.AttemptCount != 0 {
		t.Errorf("job = %s attempts=%d, want pending attempts=0", got.State, got.AttemptCount)
	}

	again, err := m.Acquire(ctx, "survivor")
	if err != nil {
		t.Fatalf("Acquire after reclaim: %v", err)
	}
	if again.ID != j.ID || again.LeaseOwner != "survivor" {
		t.Errorf("reacquired %s by %s, want %s by survivor", again.ID, again.LeaseOwner, j.ID)
	}
	if _, err := s.Complete(ctx, j.ID, "crashed", store.Success(), c.Now()); !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("late outcome from crashed owner error = %v, want ErrLeaseLost", err)
	}
}

func TestConcurrentManagersNeverShareAJob(t *testing.T) {
	c := newClock()
	s := newTestStore(t, c)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		submit(t, s, store.SubmitOptions{})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		m := lease.NewManager(s, lease.WithClock(c.Now), lease.WithBatchSize(4))
		owner := string(rune('a' + w))
		wg.Go(func() {
			for {
				j, err := m.Acquire(ctx, owner)
				if errors.Is(err, lease.ErrNoWork) {
					return
				}
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				mu.Lock()
				if prev, ok := seen[j.ID]; ok {
					t.Errorf("job %s leased by %s and %s", j.ID, prev, owner)
				}
				seen[j.ID] = owner
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("leased %d distinct jobs, want %d", len(seen), jobs)
	}
}

// racingStore reports every lease attempt as lost.
type racingStore struct {
	ready   []*model.Job
	fetchFn func() error
}

func (r *racingStore) FetchReady(context.Context, int, time.Time) ([]*model.Job, error) {
	if r.fetchFn != nil {
		if err := r.fetchFn(); err != nil {
			return nil, err
		}
	}
	return r.ready, nil
}

func (r *racingStore) TryLease(context.Context, string, string, time.Duration, time.Time) (*model.Job, bool, error) {
	return nil, false, nil
}

func (r *racingStore) ReleaseExpiredLeases(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

func TestAcquireCountsConflicts(t *testing.T) {
	rs := &racingStore{ready: []*model.Job{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	m := lease.NewManager(rs)

	if _, err := m.Acquire(context.Background(), "w1"); !errors.Is(err, lease.ErrNoWork) {
		t.Fatalf("Acquire error = %v, want ErrNoWork", err)
	}
	if got := m.Conflicts(); got != 3 {
		t.Errorf("Conflicts = %d, want 3", got)
	}
}

func TestAcquirePropagatesStoreErrors(t *testing.T) {
	boom := errors.New("disk gone")
	m := lease.NewManager(&racingStore{fetchFn: func() error { return boom }})

	_, err := m.Acquire(context.Background(), "w1")
	if !errors.Is(err, boom) {
		t.Errorf("Acquire error = %v, want wrapped %v", err, boom)
	}
}

func TestOptionsIgnoreNonPositive(t *testing.T) {
	m := lease.NewManager(&racingStore{}, lease.WithDuration(0), lease.WithBatchSize(-1))
	if m.Duration() != lease.DefaultDuration {
		t.Errorf("Duration = %v, want %v", m.Duration(), lease.DefaultDuration)
	}
}

func TestConflictHook(t *testing.T) {
	rs := &racingStore{ready: []*model.Job{{ID: "a"}, {ID: "b"}}}
	var lost []string
	m := lease.NewManager(rs, lease.WithConflictHook(func(id, owner string) {
		lost = append(lost, owner+":"+id)
	}))

	m.Acquire(context.Background(), "w1")
	if len(lost) != 2 || lost[0] != "w1:a" || lost[1] != "w1:b" {
		t.Errorf("hook calls = %v, want [w1:a w1:b]", lost)
	}
}
