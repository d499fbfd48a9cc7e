package retry

import "time"

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = time.Minute
)

// Decision is the outcome of a failed attempt: either dead, or retry after Delay.
type Decision struct {
	Dead  bool
	Delay time.Duration
}

// Policy maps a job's failure history to a Decision.
type Policy struct {
	// MaxAttempts is used for jobs that do not carry their own budget.
	MaxAttempts int
	Backoff     Strategy
}

// DefaultPolicy returns 5 attempts with full-jitter exponential backoff from
// 1s up to 1m.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: defaultMaxAttempts,
		Backoff:     ExponentialWithJitter{Initial: defaultInitialBackoff, Max: defaultMaxBackoff},
	}
}

// Decide returns the decision after attempt failed attempts for a job whose
// budget is maxAttempts. A non-positive maxAttempts falls back to the
// policy's own budget.
func (p Policy) Decide(attempt, maxAttempts int) Decision {
	if maxAttempts <= 0 {
		maxAttempts = p.Budget()
	}
	if attempt >= maxAttempts {
		return Decision{Dead: true}
	}
	if p.Backoff == nil {
		return Decision{}
	}
	d := min(max(p.Backoff.Delay(attempt), 0), MaxDelay)
	return Decision{Delay: d}
}

// Budget returns the default attempt budget, never less than one.
func (p Policy) Budget() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}
