package util

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry with exponential backoff
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries, -1 = unlimited)
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Multiplier is the factor by which delay increases (default: 2.0)
	Multiplier float64
	// Jitter adds randomness to delays (0.0 - 1.0)
	Jitter float64
}

// DefaultRetryConfig is used for relay dials
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// Retry calls fn until it succeeds, retries are exhausted or ctx is done.
// It returns the number of attempts made and the last error.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) (int, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	attempts := 0
	for {
		attempts++
		err := fn()
		if err == nil {
			return attempts, nil
		}

		if config.MaxRetries >= 0 && attempts > config.MaxRetries {
			return attempts, errors.Join(ErrMaxRetriesExceeded, err)
		}

		select {
		case <-ctx.Done():
			return attempts, errors.Join(ctx.Err(), err)
		case <-time.After(calculateDelay(config, attempts)):
		}
	}
}

func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if config.Jitter > 0 {
		jitterRange := delay * config.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}
	if config.MaxDelay > 0 && time.Duration(delay) > config.MaxDelay {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
