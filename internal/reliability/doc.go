// Package reliability provides the retry machinery used around a full conduit send.
//
// A RetryPolicy decides whether a failed attempt should be retried and how long to
// wait first. ExponentialBackoff waits InitialInterval * Multiplier^attempt,
// optionally capped and jittered. A Manager runs an attempt function with the
// attempt number so the caller can rebuild per-attempt state (a fresh reply
// subject, a fresh owner lookup) instead of resending identical bytes.
//
// Example usage:
//
//	manager := NewManager(NewExponentialBackoff(time.Second, 0, 2.0, 3), logger)
//	err := manager.WithRetry(ctx, "send", func(ctx context.Context, attempt int) error {
//	    return sendOnce(ctx, attempt)
//	})
package reliability
