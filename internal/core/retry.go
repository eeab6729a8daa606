package core

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the engine's retry loop. Only guard timeouts and
// transient store failures are retried; everything else goes straight back
// to the caller.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy allows 3 retries from 50ms up to 1s between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(exp, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// run calls op until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. onRetry is called before each retry.
func (p RetryPolicy) run(ctx context.Context, op func() error, onRetry func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil || Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, p.backOff(ctx), onRetry)
}
