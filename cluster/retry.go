package cluster

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the total time spent retrying. When it is set a
	// zero MaxRetries means no limit on attempts.
	MaxElapsed time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      8,
	InitialInterval: 20 * time.Millisecond,
	MaxInterval:     time.Second,
}

// DefaultStartupTimeout is how long a worker keeps trying to reach the
// barrier host, which may start well after it.
const DefaultStartupTimeout = 2 * time.Minute

// StartupPolicy retries for up to timeout, for calls whose peer may not be
// running yet.
func StartupPolicy(timeout time.Duration) RetryPolicy {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      timeout,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	var bo backoff.BackOff = b
	if p.MaxRetries > 0 || p.MaxElapsed <= 0 {
		bo = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return backoff.WithContext(bo, ctx)
}

// Retry runs fn until it succeeds, fails with a non-transient error, or the
// policy gives up. Giving up yields a *RemoteAccessTimeout.
func Retry(ctx context.Context, p RetryPolicy, op string, rank uint32, fn func() error) error {
	attempts := 0
	permanent := false
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
	if err == nil || permanent {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
		return err
	}
	return &RemoteAccessTimeout{Op: op, Rank: rank, Attempts: attempts, Err: err}
}
