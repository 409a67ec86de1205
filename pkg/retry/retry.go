// Package retry provides retry logic with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// Common retry errors.
var (
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrContextCanceled    = errors.New("context canceled during retry")
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases.
	Multiplier float64

	// Jitter is the randomization factor (0-1) to prevent thundering herd.
	Jitter float64

	// RetryIf determines if an error should be retried.
	// If nil, all errors except PermanentError are retried.
	RetryIf func(error) bool

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Clock drives the waits between attempts. Defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retry executes a function with retry logic.
func Retry(ctx context.Context, config *Config, fn func() error) error {
	_, err := RetryWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a value with retry logic.
func RetryWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	retryIf := config.RetryIf
	if retryIf == nil {
		retryIf = RetryUnlessPermanent()
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return result, ErrContextCanceled
		default:
		}

		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !retryIf(err) {
			return result, err
		}

		// Don't delay after the last attempt
		if attempt == config.MaxRetries {
			break
		}

		delay := Backoff(attempt, config)

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, delay)
		}

		timer := clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ErrContextCanceled
		case <-timer.C:
		}
	}

	return result, errors.Join(ErrMaxRetriesExceeded, lastErr)
}

// Backoff calculates the delay for a given attempt:
// InitialDelay * Multiplier^attempt, capped at MaxDelay, then jittered.
func Backoff(attempt int, config *Config) time.Duration {
	if config == nil {
		config = DefaultConfig()
	}

	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt))

	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter > 0 {
		jitter := delay * config.Jitter
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}

	return time.Duration(delay)
}

// PermanentError wraps an error to mark it as permanent (non-retryable).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable. A nil error stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanentError checks if an error is marked as permanent.
func IsPermanentError(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// RetryUnlessPermanent returns a RetryIf function that retries unless PermanentError.
func RetryUnlessPermanent() func(error) bool {
	return func(err error) bool {
		return !IsPermanentError(err)
	}
}

// RetryOn returns a RetryIf function that retries only errors matching
// one of targets.
func RetryOn(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}
