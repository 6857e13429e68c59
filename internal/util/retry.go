package util

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries     int           // Attempts after the first one
	InitialBackoff time.Duration // Wait before the first retry
	MaxBackoff     time.Duration // Upper bound for any single wait
	Multiplier     float64       // Backoff growth per attempt
	Jitter         bool          // Randomise each wait by ±25%
}

// DefaultRetryConfig is used for startup-time operations such as mDNS
// registration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// QuickRetryConfig is used for local filesystem operations
func QuickRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
	}
}

// ShouldRetryFunc determines if an error should trigger a retry
type ShouldRetryFunc func(error) bool

// Retry runs fn until it succeeds, shouldRetry rejects the error, the
// attempts run out, or ctx is done. A nil shouldRetry retries everything.
func Retry(ctx context.Context, config RetryConfig, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 0 {
				slog.Debug("Retry succeeded", "attempt", attempt+1)
			}
			return nil
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt >= config.MaxRetries {
			break
		}

		wait := CalculateBackoff(attempt, config)
		if config.Jitter {
			wait = time.Duration(float64(wait) * (0.75 + 0.5*rand.Float64()))
		}

		slog.Debug("Operation failed, retrying",
			"attempt", attempt+1,
			"maxRetries", config.MaxRetries,
			"backoff", wait,
			"error", err,
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

// CalculateBackoff calculates the backoff duration for a given attempt
func CalculateBackoff(attempt int, config RetryConfig) time.Duration {
	backoff := float64(config.InitialBackoff) * math.Pow(config.Multiplier, float64(attempt))
	if backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	return time.Duration(backoff)
}
