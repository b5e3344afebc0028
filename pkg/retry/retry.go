// Package retry provides bounded retries with exponential backoff and
// jitter for transient failures.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how an operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy suits short broker calls.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether an error is worth retrying.
type IsTransientFunc func(error) bool

// OnRetryFunc observes each retry before its backoff sleep.
type OnRetryFunc func(attempt int, err error)

// Do runs fn under the policy. Non-transient errors return immediately;
// transient ones retry with doubled, jittered backoff until the attempt
// budget or the context runs out.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, onRetry OnRetryFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		// backoff + random(0, 50% of backoff)
		var jitter time.Duration
		if half := int64(backoff / 2); half > 0 {
			jitter = time.Duration(rand.Int63n(half))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
