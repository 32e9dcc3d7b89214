package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationTracker(t *testing.T) {
	t.Run("resolve settles the pending query once", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		p, err := tracker.Register("c1", "query.plusOne", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, tracker.Pending())

		reply := &Reply{Body: map[string]any{"number": 13.0}, CorrelationID: "c1"}
		assert.True(t, tracker.Resolve("c1", reply))
		assert.False(t, tracker.Resolve("c1", reply))
		assert.Equal(t, 0, tracker.Pending())

		got, err := p.Wait(context.Background())
		require.NoError(t, err)
		assert.Same(t, reply, got)
	})

	t.Run("expiry fails with a timeout naming the routing key", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		p, err := tracker.Register("c2", "query.nobody", 20*time.Millisecond)
		require.NoError(t, err)

		_, err = p.Wait(context.Background())
		require.Error(t, err)
		assert.True(t, IsTimeout(err))

		var timeoutErr *QueryTimeoutError
		require.True(t, errors.As(err, &timeoutErr))
		assert.Equal(t, "query.nobody", timeoutErr.RoutingKey)
		assert.Equal(t, "c2", timeoutErr.CorrelationID)
		assert.Contains(t, err.Error(), "query.nobody")

		assert.False(t, tracker.Resolve("c2", &Reply{}))
		assert.Equal(t, 0, tracker.Pending())
	})

	t.Run("late reply after expiry is ignored", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		p, err := tracker.Register("c3", "query.slow", 10*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		assert.False(t, tracker.Resolve("c3", &Reply{}))

		_, err = p.Wait(context.Background())
		assert.ErrorIs(t, err, ErrQueryTimeout)
	})

	t.Run("exactly one of resolve and expiry wins under contention", func(t *testing.T) {
		tracker := NewCorrelationTracker()

		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("race-%d", i)
			p, err := tracker.Register(id, "query.race", time.Millisecond)
			require.NoError(t, err)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for j := 0; j < 4; j++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if tracker.Resolve(id, &Reply{CorrelationID: id}) {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			reply, err := p.Wait(context.Background())
			if err != nil {
				assert.Equal(t, int32(0), wins.Load())
				assert.ErrorIs(t, err, ErrQueryTimeout)
			} else {
				assert.Equal(t, int32(1), wins.Load())
				assert.Equal(t, id, reply.CorrelationID)
			}
		}
		assert.Equal(t, 0, tracker.Pending())
	})

	t.Run("context cancellation withdraws the query", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		p, err := tracker.Register("c4", "query.cancel", time.Second)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = p.Wait(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, tracker.Resolve("c4", &Reply{}))
		assert.Equal(t, 0, tracker.Pending())
	})

	t.Run("reject fails the query with the given error", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		p, err := tracker.Register("c5", "query.x", time.Second)
		require.NoError(t, err)

		boom := errors.New("publish failed")
		assert.True(t, tracker.Reject("c5", boom))

		_, err = p.Wait(context.Background())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("rejects duplicate and invalid registrations", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		_, err := tracker.Register("dup", "query.x", time.Second)
		require.NoError(t, err)

		_, err = tracker.Register("dup", "query.x", time.Second)
		assert.ErrorIs(t, err, ErrDuplicateCorrelation)

		_, err = tracker.Register("", "query.x", time.Second)
		assert.Error(t, err)

		_, err = tracker.Register("zero", "query.x", 0)
		assert.Error(t, err)
	})

	t.Run("close fails every pending query", func(t *testing.T) {
		tracker := NewCorrelationTracker()
		p1, _ := tracker.Register("a", "query.a", time.Second)
		p2, _ := tracker.Register("b", "query.b", time.Second)

		tracker.Close(nil)

		_, err := p1.Wait(context.Background())
		assert.ErrorIs(t, err, ErrTrackerClosed)
		_, err = p2.Wait(context.Background())
		assert.ErrorIs(t, err, ErrTrackerClosed)

		_, err = tracker.Register("c", "query.c", time.Second)
		assert.ErrorIs(t, err, ErrTrackerClosed)
	})

	t.Run("records creation time from the clock", func(t *testing.T) {
		fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		tracker := NewCorrelationTracker(WithTrackerClock(func() time.Time { return fixed }))
		p, err := tracker.Register("t", "query.t", time.Second)
		require.NoError(t, err)
		assert.Equal(t, fixed, p.CreatedAt)
		tracker.Close(nil)
	})
}
