package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config controls exponential backoff behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// Permanent lists errors that abort the retry loop immediately.
	Permanent []error
}

// DefaultConfig returns a configuration suitable for network dials.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. Delays between attempts grow exponentially.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if isPermanent(err, cfg.Permanent) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delayFor(cfg, attempt)):
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}

func delayFor(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	d := time.Duration(delay)
	if cfg.Jitter {
		// Up to 25% random variation either way.
		jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
		d = d - d/4 + jitter
	}
	return d
}

func isPermanent(err error, permanent []error) bool {
	for _, p := range permanent {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}
