package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether and when a failed attempt is repeated
type RetryPolicy interface {
	// ShouldRetry reports whether attempt (zero based) may be followed by
	// another one and how long to wait before it
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
}

// ExponentialBackoff grows the delay by Multiplier after every attempt
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay returns the wait after attempt
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15%
	if e.Jitter {
		delay = delay + rand.Float64()*0.3*delay - 0.15*delay
	}

	return time.Duration(delay)
}

// FixedDelay waits the same time between attempts
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxRetries}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NoRetry never repeats an attempt
type NoRetry struct{}

// ShouldRetry implements RetryPolicy
func (NoRetry) ShouldRetry(int, error) (bool, time.Duration) { return false, 0 }

// MaxRetries implements RetryPolicy
func (NoRetry) MaxRetries() int { return 0 }

// Notify is called before waiting for the next attempt
type Notify func(attempt int, err error, delay time.Duration)

// Retry runs fn until it succeeds, the policy gives up or ctx is done. It
// returns the number of attempts made with the last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error, notify Notify) (int, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		err := fn()
		if err == nil {
			return attempt + 1, nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return attempt + 1, err
		}
		if notify != nil {
			notify(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, ctx.Err()
		}
	}
}

// PermanentError stops Retry at once
type PermanentError struct {
	Err error
}

func (p *PermanentError) Error() string {
	return p.Err.Error()
}

func (p *PermanentError) Unwrap() error {
	return p.Err
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable reports whether err may succeed on another attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p *PermanentError
	return !errors.As(err, &p)
}
