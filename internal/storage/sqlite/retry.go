package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mistakeknot/interlease/internal/metrics"
)

// RetryConfig controls exponential backoff on "database is locked".
type RetryConfig struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	JitterPct  uint64 // e.g. 25 for 25% jitter
}

// DefaultRetryConfig is 7 retries from a 50ms base with 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 7,
		BaseDelay:  50 * time.Millisecond,
		JitterPct:  25,
	}
}

func (c RetryConfig) backoff() retry.Backoff {
	b := retry.NewExponential(c.BaseDelay)
	b = retry.WithJitterPercent(c.JitterPct, b)
	return retry.WithMaxRetries(c.MaxRetries, b)
}

// RetryOnDBLock runs fn, retrying while it fails with a lock error. Other
// errors return immediately.
func RetryOnDBLock(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, cfg.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || !isDBLocked(err) {
			return err
		}
		metrics.StoreRetry()
		return retry.RetryableError(err)
	})
}

func isDBLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
