// Package reliability provides retry policies for establishing broker
// connections.
//
// Example usage:
//
//	policy := NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2.0, 3)
//	attempts, err := Retry(ctx, policy, dial, func(attempt int, err error, delay time.Duration) {
//	    logger.Warn("dial failed", "attempt", attempt, "retryIn", delay, "error", err)
//	})
package reliability
