package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry re-runs an operation on transient failures with exponential
// backoff. Intervals grow by Multiplier from InitialInterval and are
// capped at MaxInterval. No jitter is applied.
type Retry struct {
	cfg      RetryConfig
	newTimer func() backoff.Timer
	notify   func(attempt int, err error, wait time.Duration)
}

// NewRetry returns a Retry. newTimer and notify may be nil.
func NewRetry(cfg RetryConfig, newTimer func() backoff.Timer, notify func(attempt int, err error, wait time.Duration)) *Retry {
	return &Retry{cfg: cfg, newTimer: newTimer, notify: notify}
}

func (r *Retry) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.InitialInterval
	exp.Multiplier = r.cfg.Multiplier
	exp.MaxInterval = r.cfg.MaxInterval
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := max(r.cfg.MaxAttempts-1, 0)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempt budget is spent, or ctx is done.
func (r *Retry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err != nil && !IsRetryable(err, r.cfg.ExcludedStatusCodes) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if r.notify != nil {
			r.notify(attempt, err, wait)
		}
	}

	var timer backoff.Timer
	if r.newTimer != nil {
		timer = r.newTimer()
	}
	return backoff.RetryNotifyWithTimer(operation, r.backOff(ctx), notify, timer)
}
