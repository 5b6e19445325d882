// Package retry retries device requests with exponential backoff.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads each delay by up to 20% either way.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// Retryable reports whether err is worth another attempt. Nil retries
	// everything except context cancellation and deadline errors.
	Retryable func(err error) bool `yaml:"-" json:"-"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the retry policy used for remote block devices.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer runs functions under a retry policy.
type Retryer struct {
	config Config
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a retryer, filling unset fields from DefaultConfig.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay < 0 {
		config.InitialDelay = 0
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	if config.Retryable == nil {
		config.Retryable = defaultRetryable
	}
	return &Retryer{config: config, sleep: sleepContext}
}

func defaultRetryable(err error) bool {
	return !stderr.Is(err, context.Canceled) && !stderr.Is(err, context.DeadlineExceeded)
}

// Do calls fn until it succeeds, returns an error Retryable rejects, runs
// out of attempts, or ctx is done. A non-retryable error is returned as is.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := r.newBackOff()
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry aborted after %d attempts: %w", attempt-1, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.config.Retryable(lastErr) {
			return lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := b.NextBackOff()
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, lastErr, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, lastErr)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

// newBackOff returns the delay schedule for one Do call. Attempts are
// bounded by MaxAttempts, not elapsed time.
func (r *Retryer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialDelay
	b.MaxInterval = r.config.MaxDelay
	b.Multiplier = r.config.Multiplier
	b.RandomizationFactor = 0
	if r.config.Jitter {
		b.RandomizationFactor = 0.2
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
