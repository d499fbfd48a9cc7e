package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakePurger) PurgeFinished(_ context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return 1, f.err
}

func (f *fakePurger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestRetentionInterval(t *testing.T) {
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{time.Second, time.Minute},
		{10 * time.Minute, time.Minute},
		{20 * time.Minute, 2 * time.Minute},
		{24 * time.Hour, 144 * time.Minute},
	}
	for _, tt := range tests {
		if got := retentionInterval(tt.retention); got != tt.want {
			t.Errorf("retentionInterval(%v) = %v, want %v", tt.retention, got, tt.want)
		}
	}
}

func TestPurgeOnceCutoff(t *testing.T) {
	p := &fakePurger{}
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	purgeOnce(context.Background(), p, 24*time.Hour, now, discardLogger())

	if len(p.cutoffs) != 1 {
		t.Fatalf("calls = %d, want 1", len(p.cutoffs))
	}
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !p.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.cutoffs[0], want)
	}
}

func TestPurgeOnceError(t *testing.T) {
	p := &fakePurger{err: errors.New("disk full")}
	purgeOnce(context.Background(), p, time.Hour, time.Now(), discardLogger())
	if p.calls() != 1 {
		t.Errorf("calls = %d, want 1", p.calls())
	}
}

func TestRunRetentionPurgesImmediatelyAndStops(t *testing.T) {
	p := &fakePurger{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runRetention(ctx, p, time.Hour, discardLogger())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.calls() == 0 {
		t.Fatal("no purge on start")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runRetention did not stop")
	}
}
