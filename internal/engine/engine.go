package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/seantiz/async/internal/lease"
	"github.com/seantiz/async/internal/model"
	"github.com/seantiz/async/internal/store"
	"github.com/seantiz/async/internal/worker"
)

var (
	// ErrPoolExhausted is returned by Submit when the engine already holds
	// the configured maximum of pending and leased jobs.
	ErrPoolExhausted = errors.New("job capacity exhausted")

	// ErrShutdownTimeout is returned by Shutdown when in-flight executions
	// did not report before the grace period ended. Their jobs stay leased
	// and are recovered by lease expiry.
	ErrShutdownTimeout = errors.New("shutdown timed out with jobs in flight")

	// ErrClosed is returned by Submit and Start after Shutdown.
	ErrClosed = errors.New("engine is shut down")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("engine already started")
)

// Compile-time interface satisfaction checks.
var (
	_ worker.Source   = (*Engine)(nil)
	_ worker.Reporter = (*Engine)(nil)
)

// Engine dispatches persisted jobs to a pool of worker units.
type Engine struct {
	store    store.Store
	registry *worker.Registry
	logger   *slog.Logger
	broker   *Broker
	observer Observer

	leases *lease.Manager
	pool   *worker.Pool

	concurrency   int
	pollInterval  time.Duration
	leaseDuration time.Duration
	reapInterval  time.Duration
	fetchBatch    int
	maxPending    int
	limiter       *rate.Limiter
	ownerPrefix   string
	now           func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	stopCh  chan struct{}
	reaper  sync.WaitGroup

	// reportMu orders outcome persistence against shutdown: once ceased is
	// set no further outcome reaches the store.
	reportMu sync.RWMutex
	ceased   bool
}

// New creates an engine over s that executes jobs with the handlers in reg.
// Nothing runs until Start is called.
func New(s store.Store, reg *worker.Registry, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		registry:      reg,
		logger:        logger,
		broker:        NewBroker(),
		concurrency:   DefaultConcurrency,
		pollInterval:  DefaultPollInterval,
		leaseDuration: DefaultLeaseDuration,
		reapInterval:  DefaultReapInterval,
		fetchBatch:    DefaultFetchBatch,
		ownerPrefix:   defaultOwnerPrefix(),
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.leases = lease.NewManager(s,
		lease.WithBatchSize(e.fetchBatch),
		lease.WithDuration(e.leaseDuration),
		lease.WithClock(e.now),
		lease.WithConflictHook(func(id, owner string) {
			leaseConflictsTotal.Inc()
			e.logger.Debug("lease conflict", "job_id", id, "owner", owner)
		}),
	)
	e.pool = worker.NewPool(e, reg, e, logger,
		worker.WithConcurrency(e.concurrency),
		worker.WithPollInterval(e.pollInterval),
		worker.WithOwnerPrefix(e.ownerPrefix),
	)
	return e
}

func defaultOwnerPrefix() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "async"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Registry returns the handler registry jobs are resolved against.
func (e *Engine) Registry() *worker.Registry {
	return e.registry
}

// Concurrency returns the number of worker units.
func (e *Engine) Concurrency() int {
	return e.pool.Concurrency()
}

// InFlight returns the number of jobs currently executing.
func (e *Engine) InFlight() int {
	return e.pool.InFlight()
}

// LeaseConflicts returns how many lease attempts this engine lost to
// another owner.
func (e *Engine) LeaseConflicts() int64 {
	return e.leases.Conflicts()
}

// Start reclaims leases that expired while no engine was running, then
// launches the reaper and the worker pool. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return ErrAlreadyStarted
	}

	if err := e.reclaim(ctx); err != nil {
		return fmt.Errorf("reclaim expired leases: %w", err)
	}
	e.started = true

	e.reaper.Go(e.reapLoop)
	e.pool.Start(ctx)

	e.logger.Info("engine started",
		"owner_prefix", e.ownerPrefix,
		"concurrency", e.concurrency,
		"lease_duration", e.leaseDuration.String(),
		"reap_interval", e.reapInterval.String(),
	)
	return nil
}

// Submit persists a new job and wakes an idle worker. Transient storage
// errors are retried by the store before a *store.PersistenceError is
// returned.
func (e *Engine) Submit(ctx context.Context, env model.Envelope, opts ...SubmitOption) (string, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.delay > 0 && cfg.opts.NotBefore.IsZero() {
		cfg.opts.NotBefore = e.now().Add(cfg.delay)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("wait for submit rate: %w", err)
		}
	}

	if e.maxPending > 0 {
		n, err := e.store.CountActive(ctx)
		if err != nil {
			return "", fmt.Errorf("count active jobs: %w", err)
		}
		if n >= e.maxPending {
			submitRejectedTotal.Inc()
			return "", fmt.Errorf("%w: %d active jobs (max %d)", ErrPoolExhausted, n, e.maxPending)
		}
	}

	j, err := e.store.Submit(ctx, env, cfg.opts)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}

	jobsSubmittedTotal.WithLabelValues(j.Kind).Inc()
	e.publish(Event{JobID: j.ID, Kind: j.Kind, State: j.State, At: j.CreatedAt})
	e.logger.Debug("job submitted",
		"job_id", j.ID,
		"kind", j.Kind,
		"max_attempts", j.MaxAttempts,
		"not_before", j.NotBefore,
	)
	if !j.NotBefore.After(e.now()) {
		e.pool.Notify()
	}
	return j.ID, nil
}

// Acquire leases the next ready job for owner. Once the engine is shutting
// down it returns lease.ErrNoWork.
func (e *Engine) Acquire(ctx context.Context, owner string) (*model.Job, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, lease.ErrNoWork
	}

	j, err := e.leases.Acquire(ctx, owner)
	if err != nil {
		return nil, err
	}
	jobsInFlight.Inc()
	e.publish(Event{
		JobID:   j.ID,
		Kind:    j.Kind,
		State:   j.State,
		Attempt: j.AttemptCount + 1,
		Owner:   owner,
		At:      e.now(),
	})
	return j, nil
}

// Report records the outcome of an execution. Outcomes that arrive after
// Shutdown gave up on in-flight work are dropped; their jobs are recovered
// by lease expiry.
func (e *Engine) Report(j *model.Job, owner string, res worker.Result) {
	jobsInFlight.Dec()
	jobDuration.WithLabelValues(j.Kind).Observe(res.Duration.Seconds())

	e.reportMu.RLock()
	defer e.reportMu.RUnlock()
	if e.ceased {
		e.logger.Warn("outcome arrived after shutdown, leaving job for lease expiry",
			"job_id", j.ID,
			"owner", owner,
		)
		return
	}

	outcome := store.Success()
	if res.Err != nil {
		outcome = store.Failure(res.Err)
	}

	now := e.now()
	updated, err := e.store.Complete(context.Background(), j.ID, owner, outcome, now)
	if errors.Is(err, store.ErrLeaseLost) {
		lostOutcomesTotal.Inc()
		e.logger.Warn("lease lost before outcome was recorded",
			"job_id", j.ID,
			"owner", owner,
			"error", err,
		)
		return
	}
	if err != nil {
		e.logger.Error("failed to record outcome",
			"job_id", j.ID,
			"owner", owner,
			"error", err,
		)
		return
	}

	jobOutcomesTotal.WithLabelValues(updated.Kind, string(updated.State)).Inc()
	e.logOutcome(updated, owner, res)
	e.publish(Event{
		JobID:   updated.ID,
		Kind:    updated.Kind,
		State:   updated.State,
		Attempt: updated.AttemptCount,
		Owner:   owner,
		Error:   updated.LastError,
		At:      now,
	})

	switch {
	case updated.State.Terminal():
		e.broker.Close(updated.ID)
	case !updated.NotBefore.After(now):
		e.pool.Notify()
	}
}

func (e *Engine) logOutcome(j *model.Job, owner string, res worker.Result) {
	switch j.State {
	case model.StateDone:
		e.logger.Info("job completed",
			"job_id", j.ID,
			"kind", j.Kind,
			"attempt", j.AttemptCount,
			"duration_ms", res.Duration.Milliseconds(),
		)
	case model.StatePending:
		e.logger.Warn("job failed, retry scheduled",
			"job_id", j.ID,
			"kind", j.Kind,
			"attempt", j.AttemptCount,
			"max_attempts", j.MaxAttempts,
			"not_before", j.NotBefore,
			"error", res.Err,
		)
	case model.StateDead:
		e.logger.Error("job moved to dead state",
			"job_id", j.ID,
			"kind", j.Kind,
			"attempt", j.AttemptCount,
			"owner", owner,
			"error", res.Err,
		)
	}
}

// Shutdown stops leasing new jobs and waits up to timeout for in-flight
// executions to report. When the timeout elapses, execution contexts are
// cancelled, later outcomes are no longer persisted and ErrShutdownTimeout
// is returned.
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	if !started {
		return nil
	}

	close(e.stopCh)
	e.reaper.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := e.pool.Stop(ctx)
	if errors.Is(err, worker.ErrStopTimeout) {
		inFlight := e.pool.InFlight()
		e.reportMu.Lock()
		e.ceased = true
		e.reportMu.Unlock()
		e.pool.Abort()
		e.logger.Warn("engine shutdown timed out",
			"timeout", timeout.String(),
			"in_flight", inFlight,
		)
		return fmt.Errorf("%w: %d still running after %v", ErrShutdownTimeout, inFlight, timeout)
	}
	if err != nil {
		return fmt.Errorf("stop worker pool: %w", err)
	}

	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) reapLoop() {
	ticker := time.NewTicker(e.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.reclaim(context.Background()); err != nil {
				e.logger.Error("reclaim expired leases", "error", err)
			}
		}
	}
}

func (e *Engine) reclaim(ctx context.Context) error {
	ids, err := e.leases.Reclaim(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	leasesReclaimedTotal.Add(float64(len(ids)))
	now := e.now()
	for _, id := range ids {
		e.logger.Warn("reclaimed expired lease", "job_id", id)
		e.publish(Event{JobID: id, State: model.StatePending, Detail: "lease expired", At: now})
		e.pool.Notify()
	}
	return nil
}

func (e *Engine) publish(ev Event) {
	e.broker.Publish(ev)
	if e.observer != nil {
		e.observer(ev)
	}
}
