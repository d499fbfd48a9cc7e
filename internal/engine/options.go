package engine

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/async/internal/store"
)

// Defaults applied by New.
const (
	DefaultConcurrency   = 4
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultLeaseDuration = 30 * time.Second
	DefaultReapInterval  = 5 * time.Second
	DefaultFetchBatch    = 16
)

// Observer is called synchronously for every published event. It must not
// block.
type Observer func(Event)

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency sets the number of worker units.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle worker unit waits before polling
// again when it is not woken by a submission.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithLeaseDuration sets the lease granted to each execution. It should
// exceed the longest expected handler run time.
func WithLeaseDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.leaseDuration = d
		}
	}
}

// WithReapInterval sets how often expired leases are reclaimed.
func WithReapInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.reapInterval = d
		}
	}
}

// WithFetchBatch sets how many ready candidates a unit considers per lease
// attempt.
func WithFetchBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fetchBatch = n
		}
	}
}

// WithMaxPending rejects submissions with ErrPoolExhausted once n jobs are
// pending or leased. Zero disables the bound.
func WithMaxPending(n int) Option {
	return func(e *Engine) { e.maxPending = n }
}

// WithSubmitRate makes Submit wait so that at most r submissions per second
// (with the given burst) are accepted.
func WithSubmitRate(r float64, burst int) Option {
	return func(e *Engine) {
		if r > 0 {
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithObserver registers fn to receive every job event.
func WithObserver(fn Observer) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithOwnerPrefix sets the prefix of lease owner names. The default combines
// the hostname with a random suffix, unique per engine.
func WithOwnerPrefix(prefix string) Option {
	return func(e *Engine) {
		if prefix != "" {
			e.ownerPrefix = prefix
		}
	}
}

// WithClock sets the time source for leasing and outcomes.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	opts  store.SubmitOptions
	delay time.Duration
}

// WithMaxAttempts sets the job's retry budget.
func WithMaxAttempts(n int) SubmitOption {
	return func(c *submitConfig) { c.opts.MaxAttempts = n }
}

// WithDelay makes the job eligible d after submission.
func WithDelay(d time.Duration) SubmitOption {
	return func(c *submitConfig) { c.delay = d }
}

// WithNotBefore makes the job eligible at t.
func WithNotBefore(t time.Time) SubmitOption {
	return func(c *submitConfig) { c.opts.NotBefore = t }
}
