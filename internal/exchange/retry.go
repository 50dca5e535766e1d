package exchange

import (
	"context"
	"errors"
	"log"
	"time"
)

// RetryPolicy retries rate-limit and exchange-down failures with
// exponential backoff: factor * 2^attempt seconds.
type RetryPolicy struct {
	MaxAttempts int     // total attempts including the first
	Factor      float64 // backoff factor in seconds

	// OnError fires once per classified failure, including retried ones.
	OnError func(op string, kind Kind)
}

// DefaultRetryPolicy matches the adapter defaults: 3 attempts, 0.5s factor.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Factor: 0.5}

// Do runs fn, retrying retryable classified errors until the attempt budget
// is spent. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(p.Factor * float64(int64(1)<<uint(attempt-1)) * float64(time.Second))
			log.Printf("[exchange] %s: retry %d/%d in %s: %v", op, attempt, attempts-1, delay, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if p.OnError != nil {
			p.OnError(op, KindOf(err))
		}
		var ee *Error
		if !errors.As(err, &ee) || !ee.Retryable() {
			return err
		}
	}
	return err
}
