package retry

import (
	"testing"
	"time"
)

func TestConstantDelay(t *testing.T) {
	c := Constant{Interval: 3 * time.Second}
	for _, n := range []int{1, 2, 10} {
		if got := c.Delay(n); got != 3*time.Second {
			t.Errorf("Delay(%d) = %v, want 3s", n, got)
		}
	}
}

func TestLinearDelay(t *testing.T) {
	l := Linear{Initial: time.Second, Max: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{3, 3 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialDelay(t *testing.T) {
	e := Exponential{Initial: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{200, time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialUncappedDoesNotOverflow(t *testing.T) {
	e := Exponential{Initial: time.Second}
	for _, attempt := range []int{34, 35, 64, 500} {
		if got := e.Delay(attempt); got <= 0 || got > MaxDelay {
			t.Errorf("Delay(%d) = %v, want in (0, %v]", attempt, got, MaxDelay)
		}
	}
	if got := e.Delay(500); got != MaxDelay {
		t.Errorf("Delay(500) = %v, want %v", got, MaxDelay)
	}
}

func TestDecideUncappedBackoffKeepsDelay(t *testing.T) {
	p := Policy{Backoff: Exponential{Initial: time.Second}}
	for _, attempt := range []int{34, 35, 90} {
		d := p.Decide(attempt, 100)
		if d.Dead {
			t.Fatalf("Decide(%d) dead, want retry", attempt)
		}
		if d.Delay <= 0 || d.Delay > MaxDelay {
			t.Errorf("Decide(%d).Delay = %v, want in (0, %v]", attempt, d.Delay, MaxDelay)
		}
	}

	linear := Policy{Backoff: Linear{Initial: 10000 * time.Hour}}
	if d := linear.Decide(90, 100); d.Delay != MaxDelay {
		t.Errorf("linear Decide(90).Delay = %v, want %v", d.Delay, MaxDelay)
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	e := ExponentialWithJitter{Initial: 100 * time.Millisecond, Max: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		upper := Exponential(e).Delay(attempt)
		for i := 0; i < 50; i++ {
			d := e.Delay(attempt)
			if d < 0 || d > upper {
				t.Fatalf("Delay(%d) = %v, want within [0, %v]", attempt, d, upper)
			}
		}
	}
}

func TestPolicyDecide(t *testing.T) {
	p := Policy{MaxAttempts: 3, Backoff: Constant{Interval: time.Second}}
	tests := []struct {
		name        string
		attempt     int
		maxAttempts int
		want        Decision
	}{
		{"first failure retries", 1, 3, Decision{Delay: time.Second}},
		{"second failure retries", 2, 3, Decision{Delay: time.Second}},
		{"budget exhausted", 3, 3, Decision{Dead: true}},
		{"beyond budget", 7, 3, Decision{Dead: true}},
		{"single attempt budget", 1, 1, Decision{Dead: true}},
		{"falls back to policy budget", 2, 0, Decision{Delay: time.Second}},
		{"policy budget exhausted", 3, 0, Decision{Dead: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(tt.attempt, tt.maxAttempts); got != tt.want {
				t.Errorf("Decide(%d, %d) = %+v, want %+v", tt.attempt, tt.maxAttempts, got, tt.want)
			}
		})
	}
}

func TestPolicyWithoutBackoffRetriesImmediately(t *testing.T) {
	p := Policy{MaxAttempts: 2}
	if got := p.Decide(1, 0); got != (Decision{}) {
		t.Errorf("Decide = %+v, want immediate retry", got)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Budget() != 5 {
		t.Errorf("Budget() = %d, want 5", p.Budget())
	}
	if d := p.Decide(1, 0); d.Dead || d.Delay > time.Second {
		t.Errorf("Decide(1) = %+v, want retry within 1s", d)
	}
	if !p.Decide(5, 0).Dead {
		t.Error("Decide(5) should be dead")
	}
	if (Policy{}).Budget() != 1 {
		t.Error("zero Policy budget should be 1")
	}
}
