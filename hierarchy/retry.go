package hierarchy

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryRead runs an idempotent read, retrying only transient failures.
func retryRead[T any](ctx context.Context, cfg Config, read func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		v, err := read()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.ReadRetries),
		backoff.WithMaxElapsedTime(cfg.ReadRetryMaxElapsed),
	)
}
