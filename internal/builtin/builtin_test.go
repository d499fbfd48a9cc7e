package builtin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/seantiz/async/internal/worker"
)

func TestRegister(t *testing.T) {
	reg := worker.NewRegistry()
	Register(reg, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	want := []string{KindEcho, KindFail, KindSleep}
	if got := reg.Kinds(); !slices.Equal(got, want) {
		t.Errorf("Kinds = %v, want %v", got, want)
	}

	echo, _ := reg.Lookup(KindEcho)
	if err := echo(context.Background(), []byte(`hello`)); err != nil {
		t.Errorf("echo: %v", err)
	}
	fail, _ := reg.Lookup(KindFail)
	if err := fail(context.Background(), []byte(`{"message":"bad input"}`)); err == nil || err.Error() != "bad input" {
		t.Errorf("fail error = %v, want bad input", err)
	}
}

func TestSleep(t *testing.T) {
	start := time.Now()
	if err := Sleep(context.Background(), SleepArgs{DurationMS: 30}); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Sleep returned after %v, want >= 30ms", elapsed)
	}
	if err := Sleep(context.Background(), SleepArgs{}); err != nil {
		t.Errorf("zero Sleep: %v", err)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, SleepArgs{DurationMS: 60_000}); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep error = %v, want context.Canceled", err)
	}
}

func TestFailDefaultMessage(t *testing.T) {
	if err := Fail(context.Background(), FailArgs{}); err == nil {
		t.Error("Fail returned nil")
	}
}
