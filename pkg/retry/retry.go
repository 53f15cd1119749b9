package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	// MaxAttempts caps the number of tries. Zero or negative means retry
	// until the context is cancelled.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// ExchangePolicy is the policy for transient exchange errors: 1 s base,
// doubling, capped at 60 s, retried until the caller gives up.
var ExchangePolicy = RetryPolicy{
	MaxAttempts:    0,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     60 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes a function with retries according to the policy
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	return DoNotify(ctx, policy, isTransient, fn, nil)
}

// DoNotify is Do with a per-failure callback. notify receives the attempt
// number (1-based) and the error; callers use it to surface consecutive
// failures to observers.
func DoNotify(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error, notify func(attempt int, err error)) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; policy.MaxAttempts <= 0 || attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if notify != nil {
			notify(attempt+1, err)
		}

		if policy.MaxAttempts > 0 && attempt == policy.MaxAttempts-1 {
			break
		}

		// Calculate jittered backoff: backoff + random(0, 50% of backoff)
		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		sleepTime := backoff + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepTime):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

// NextBackoff returns the delay that follows the given one under the
// doubling-with-cap schedule. Used by callers that keep their own per-item
// retry state instead of blocking in Do.
func NextBackoff(current, max time.Duration) time.Duration {
	return minDuration(current*2, max)
}

// Jitter adds random(0, 50% of d) to d.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
