// Package builtin provides job handlers that ship with the daemon so it can
// be exercised without any application code.
package builtin

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/async/internal/worker"
)

// Kinds registered by Register.
const (
	KindEcho  = "echo"
	KindSleep = "sleep"
	KindFail  = "fail"
)

// SleepArgs is the payload of a sleep job.
type SleepArgs struct {
	DurationMS int64 `json:"duration_ms"`
}

// FailArgs is the payload of a fail job.
type FailArgs struct {
	Message string `json:"message"`
}

// Register adds the built-in handlers to reg.
func Register(reg *worker.Registry, logger *slog.Logger) {
	reg.Handle(KindEcho, func(_ context.Context, payload []byte) error {
		logger.Info("echo", "payload", string(payload))
		return nil
	})
	worker.Register(reg, KindSleep, Sleep)
	worker.Register(reg, KindFail, Fail)
}

// Sleep waits for the requested duration or until ctx is cancelled.
func Sleep(ctx context.Context, args SleepArgs) error {
	if args.DurationMS <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(args.DurationMS) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail always returns an error carrying the requested message.
func Fail(_ context.Context, args FailArgs) error {
	if args.Message == "" {
		return errors.New("requested failure")
	}
	return errors.New(args.Message)
}
