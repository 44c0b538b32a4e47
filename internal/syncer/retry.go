package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds the attempts made against the change feed.
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
}

// DefaultRetryPolicy is used when a zero policy is configured.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 5, BaseDelay: 500 * time.Millisecond}

func (p RetryPolicy) orDefault() RetryPolicy {
	if p.BaseDelay <= 0 {
		return DefaultRetryPolicy
	}
	return p
}

// do runs fn with exponential backoff. Only transient errors are retried.
func (p RetryPolicy) do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(p.MaxRetries, retry.NewExponential(p.BaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// isRetryable defers to errors that classify themselves and treats
// anything else except cancellation as transient.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return true
}
