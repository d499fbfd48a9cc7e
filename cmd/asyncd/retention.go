package main

import (
	"context"
	"log/slog"
	"time"
)

const minRetentionInterval = time.Minute

type purger interface {
	PurgeFinished(ctx context.Context, before time.Time) (int, error)
}

// retentionInterval checks ten times per retention window, at most once a
// minute.
func retentionInterval(retention time.Duration) time.Duration {
	return max(retention/10, minRetentionInterval)
}

// runRetention deletes finished jobs older than retention until ctx is done.
func runRetention(ctx context.Context, p purger, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(retentionInterval(retention))
	defer ticker.Stop()

	for {
		purgeOnce(ctx, p, retention, time.Now(), logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func purgeOnce(ctx context.Context, p purger, retention time.Duration, now time.Time, logger *slog.Logger) {
	before := now.Add(-retention)
	n, err := p.PurgeFinished(ctx, before)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("retention purge failed", "error", err)
		}
		return
	}
	if n > 0 {
		logger.Info("retention purge", "deleted", n, "before", before)
	}
}
