// Package retry provides bounded retry with exponential backoff for calls
// to external services.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/apperrors"
)

// Config controls the retry loop.
type Config struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int
	// InitialDelay is the sleep before the second attempt.
	InitialDelay time.Duration
	// Backoff multiplies the delay after each failed attempt.
	Backoff float64
	// Retryable decides whether an error is worth another attempt.
	// A nil predicate retries transient network-class errors only.
	Retryable func(error) bool
}

// DefaultConfig matches the production defaults: 3 attempts, 1s initial
// delay, doubling.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Backoff:      2.0,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 2.0
	}
	if c.Retryable == nil {
		c.Retryable = apperrors.IsTransient
	}
	return c
}

// Do runs fn until it succeeds, a non-retryable error occurs, attempts are
// exhausted, or ctx is cancelled. The sleep between attempts is
// InitialDelay * Backoff^(n-1) and is interruptible by ctx.
func Do[T any](ctx context.Context, cfg Config, op string, fn func(context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	var zero T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.Retryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		slog.Warn("retrying after error",
			"op", op, "attempt", attempt, "max_attempts", cfg.MaxAttempts,
			"delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.Backoff)
	}

	return zero, lastErr
}
