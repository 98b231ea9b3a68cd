package apperr

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// RetryConfig controls the retry envelope.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig is the envelope used around lifecycle operations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// Retry executes op up to cfg.MaxAttempts times with exponential backoff
// delay = min(base * mult^(attempt-1), max), retrying only while the
// returned error classifies as retryable. Non-retryable errors are surfaced
// after one attempt.
func Retry(ctx context.Context, cfg RetryConfig, name string, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		slog.Warn("Retryable operation failed, backing off",
			"operation", name,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return Wrap(ctx.Err(), TimeoutError, name+" canceled while backing off")
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
