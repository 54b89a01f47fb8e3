package container

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/voice-relay/internal/backoff"
)

const defaultWatchInterval = time.Minute

// StartWatchdog runs a background goroutine that periodically restarts
// stopped speech containers until ctx is cancelled. After a failed sweep the
// next one comes sooner, following retry, and never later than interval.
func StartWatchdog(ctx context.Context, checker Checker, interval time.Duration, retry backoff.Policy, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	if retry.Max <= 0 || retry.Max > interval {
		retry.Max = interval
	}
	go func() {
		logger.Info("Container watchdog started", "interval", interval)
		timer := time.NewTimer(interval)
		defer timer.Stop()

		failures := 0
		for {
			select {
			case <-timer.C:
				next := interval
				if err := checker.EnsureRunning(ctx); err != nil {
					next = retry.Delay(failures)
					failures++
					logger.Warn("Container watchdog sweep incomplete", "error", err, "retry_in", next)
				} else {
					failures = 0
				}
				timer.Reset(next)
			case <-ctx.Done():
				logger.Info("Container watchdog shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
