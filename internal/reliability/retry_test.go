package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errors.New("dial tcp: connection refused"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("dial tcp: connection refused"))
		assert.False(t, retry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("NextDelay grows and is capped", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{4, time.Second},
			{9, time.Second},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)
		retry, _ := eb.ShouldRetry(0, Permanent(errors.New("access refused")))
		assert.False(t, retry)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts, err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error { return nil }, nil)
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries until success and notifies", func(t *testing.T) {
		calls := 0
		var notified []int

		attempts, err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			if calls < 3 {
				return errors.New("temporary")
			}
			return nil
		}, func(attempt int, err error, delay time.Duration) {
			notified = append(notified, attempt)
			assert.Equal(t, time.Millisecond, delay)
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []int{1, 2}, notified)
	})

	t.Run("returns the last error after max retries", func(t *testing.T) {
		attempts, err := Retry(ctx, NewFixedDelay(time.Millisecond, 2), func() error {
			return errors.New("persistent")
		}, nil)

		assert.EqualError(t, err, "persistent")
		assert.Equal(t, 3, attempts)
	})

	t.Run("NoRetry makes a single attempt", func(t *testing.T) {
		attempts, err := Retry(ctx, NoRetry{}, func() error { return errors.New("once") }, nil)
		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops on a permanent error", func(t *testing.T) {
		calls := 0
		attempts, err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			if calls == 2 {
				return Permanent(errors.New("fatal"))
			}
			return errors.New("retryable")
		}, nil)

		assert.EqualError(t, err, "fatal")
		assert.Equal(t, 2, attempts)
		assert.False(t, IsRetryable(err))
	})

	t.Run("respects context deadline", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := Retry(cctx, NewFixedDelay(20*time.Millisecond, 100), func() error {
			return errors.New("error")
		}, nil)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

func TestPermanent(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, Permanent(nil))
		assert.False(t, IsRetryable(nil))
	})

	t.Run("wrapping keeps the cause", func(t *testing.T) {
		base := errors.New("base")
		err := fmt.Errorf("dial: %w", Permanent(base))
		assert.ErrorIs(t, err, base)
		assert.False(t, IsRetryable(err))
		assert.True(t, IsRetryable(base))
	})
}
