package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls exponential backoff with jitter between retry
// attempts. The scheduler owns the retry loop itself; this package only
// computes delays.
type BackoffConfig struct {
	// Initial is the base delay before the first retry. Default: 500ms.
	Initial time.Duration

	// Max caps the backoff duration. Default: 30s.
	Max time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.25.
	JitterFraction float64
}

// DefaultBackoffConfig returns a sensible backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:        500 * time.Millisecond,
		Max:            30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

func (cfg BackoffConfig) withDefaults() BackoffConfig {
	if cfg.Initial <= 0 {
		cfg.Initial = 500 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

// Backoff returns the delay before retry number attempt (0-based).
func Backoff(attempt int, cfg BackoffConfig) time.Duration {
	cfg = cfg.withDefaults()

	delay := float64(cfg.Initial) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}

	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Sleep waits for the backoff delay of the given attempt, returning early
// with the context error on cancellation.
func Sleep(ctx context.Context, attempt int, cfg BackoffConfig) error {
	timer := time.NewTimer(Backoff(attempt, cfg))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
