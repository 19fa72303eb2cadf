package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxStoreRetries = 3

// NewStoreBackOff is the default retry schedule for transient store errors:
// four tries in total, never waiting more than two seconds between them.
func NewStoreBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, maxStoreRetries)
}

// retryTransient runs op until it succeeds, returns a non-transient error, or
// the schedule runs out. Only idempotent operations go through here.
func (s *AttemptService) retryTransient(ctx context.Context, op func() error) error {
	b := backoff.WithContext(s.newBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}
