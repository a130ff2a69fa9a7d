package tasks

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mediaq/internal/pkg/errors"
	"mediaq/internal/pkg/logger"
)

// RetryPolicy bounds retries of transient failures inside one execution.
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// Do runs fn until it succeeds, returns a non-retryable error, the
// attempts are used up, or ctx ends.
func (p RetryPolicy) Do(ctx context.Context, log *logger.Logger, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.FromContext(ctx).Warn("transient failure, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"wait_ms", wait.Milliseconds(),
			"error", err.Error(),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(operation, policy, notify)
}
