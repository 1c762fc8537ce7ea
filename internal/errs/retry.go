package errs

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig tunes the exponential backoff helper.
type RetryConfig struct {
	Attempts   int
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

// DefaultRetryConfig matches the pipeline-wide retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:   3,
		Initial:    time.Second,
		Multiplier: 3,
		Jitter:     0.2,
		Max:        30 * time.Second,
	}
}

func (cfg RetryConfig) nextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.Initial)
	if base <= 0 {
		base = float64(time.Second)
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if cfg.Jitter > 0 {
		j := cfg.Jitter
		if j > 1 {
			j = 1
		}
		delay = delay * (1 + (rng*2-1)*j)
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}

// Retry runs fn with exponential backoff, retrying only retryable errors.
// Non-retryable errors and context cancellation return immediately.
func Retry(ctx context.Context, op string, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || IsCircuitOpen(lastErr) {
			return lastErr
		}
		if attempt == cfg.Attempts-1 {
			break
		}

		delay := cfg.nextDelay(attempt, rand.Float64())
		log.Debug().
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(lastErr).
			Msg("Retrying after transient error")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
