package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/async/internal/lease"
	"github.com/seantiz/async/internal/model"
)

const (
	// DefaultConcurrency is the number of execution units in a pool.
	DefaultConcurrency = 4
	// DefaultPollInterval is how long an idle unit parks before polling again.
	DefaultPollInterval = 500 * time.Millisecond
)

// ErrStopTimeout is returned by Stop when in-flight executions did not
// finish before the stop context expired.
var ErrStopTimeout = errors.New("worker pool stop timed out")

// Source hands out leased jobs. It returns lease.ErrNoWork when nothing is
// ready.
type Source interface {
	Acquire(ctx context.Context, owner string) (*model.Job, error)
}

// Result is the outcome of executing one leased job. Err is nil on success
// and a *PayloadError otherwise.
type Result struct {
	Err      error
	Duration time.Duration
}

// Reporter receives the outcome of every execution.
type Reporter interface {
	Report(j *model.Job, owner string, res Result)
}

// Pool manages a fixed set of execution units that lease, execute and
// report jobs.
type Pool struct {
	source       Source
	registry     *Registry
	reporter     Reporter
	logger       *slog.Logger
	concurrency  int
	pollInterval time.Duration
	ownerPrefix  string

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopped bool

	// execCtx is shared by every execution and cancelled when a stop times out.
	execCtx    context.Context
	cancelExec context.CancelFunc

	inFlight atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of execution units.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle unit waits before polling again
// when it is not notified.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithOwnerPrefix sets the prefix of the lease owner name of each unit.
func WithOwnerPrefix(prefix string) Option {
	return func(p *Pool) { p.ownerPrefix = prefix }
}

// NewPool creates a worker pool. It does not start any units.
func NewPool(src Source, reg *Registry, rep Reporter, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		source:       src,
		registry:     reg,
		reporter:     rep,
		logger:       logger,
		concurrency:  DefaultConcurrency,
		pollInterval: DefaultPollInterval,
		ownerPrefix:  "worker",
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wake = make(chan struct{}, p.concurrency)
	return p
}

// Concurrency returns the number of execution units.
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// InFlight returns the number of jobs currently executing.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Owner returns the lease owner name used by unit i.
func (p *Pool) Owner(i int) string {
	return fmt.Sprintf("%s/%d", p.ownerPrefix, i)
}

// Start launches the execution units and returns immediately. Values from
// ctx are visible to handlers; its cancellation is not, use Stop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopped {
		return
	}
	p.running = true
	p.execCtx, p.cancelExec = context.WithCancel(context.WithoutCancel(ctx))

	p.logger.Info("worker pool starting",
		"owner_prefix", p.ownerPrefix,
		"concurrency", p.concurrency,
		"poll_interval", p.pollInterval.String(),
	)
	for i := range p.concurrency {
		p.wg.Go(func() {
			p.loop(p.Owner(i))
		})
	}
}

// Notify wakes one idle unit, if any, so new work is picked up without
// waiting for the poll interval.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop stops leasing new jobs and waits for in-flight executions to report.
// If ctx expires first Stop returns ErrStopTimeout; executions keep running
// until Abort cancels them.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", "in_flight", p.InFlight())
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelExec()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool stop timed out", "in_flight", p.InFlight())
		return ErrStopTimeout
	}
}

// Abort cancels the context shared by all executions. Handlers that honor
// cancellation return and report; the pool does not wait for them.
func (p *Pool) Abort() {
	p.mu.Lock()
	cancel := p.cancelExec
	p.mu.Unlock()
	if cancel != nil {
		p.logger.Warn("cancelling in-flight executions", "in_flight", p.InFlight())
		cancel()
	}
}

func (p *Pool) loop(owner string) {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.source.Acquire(p.execCtx, owner)
		if errors.Is(err, lease.ErrNoWork) {
			p.park()
			continue
		}
		if err != nil {
			if p.execCtx.Err() == nil {
				p.logger.Error("acquire lease", "owner", owner, "error", err)
			}
			p.park()
			continue
		}

		p.inFlight.Add(1)
		start := time.Now()
		execErr := p.execute(p.execCtx, j)
		p.reporter.Report(j, owner, Result{Err: execErr, Duration: time.Since(start)})
		p.inFlight.Add(-1)
	}
}

// execute runs j's handler, converting every failure mode into a
// *PayloadError.
func (p *Pool) execute(ctx context.Context, j *model.Job) (err error) {
	h, ok := p.registry.Lookup(j.Kind)
	if !ok {
		return &PayloadError{Kind: j.Kind, Err: ErrUnknownKind}
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked",
				"job_id", j.ID,
				"kind", j.Kind,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &PayloadError{Kind: j.Kind, Err: fmt.Errorf("%v", r), Panic: true}
		}
	}()

	if herr := h(ctx, j.Payload); herr != nil {
		return &PayloadError{Kind: j.Kind, Err: herr}
	}
	return nil
}

func (p *Pool) park() {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.wake:
	case <-p.stopCh:
	}
}
