package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeLimitExceeded is returned when a call outlives its time limit.
var ErrTimeLimitExceeded = errors.New("time limit exceeded")

// TimeLimiter bounds how long a single call may take to complete.
type TimeLimiter struct {
	timeout time.Duration
}

// NewTimeLimiter returns a limiter for timeout.
func NewTimeLimiter(cfg TimeLimiterConfig) *TimeLimiter {
	return &TimeLimiter{timeout: cfg.Timeout}
}

// Run calls fn with a context that is cancelled when the limit fires.
// If fn succeeds before the limit, the context handed to fn stays alive
// until the parent is done, so a response body opened by fn remains
// readable after Run returns.
func (l *TimeLimiter) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(l.timeout, func() { cancel(ErrTimeLimitExceeded) })

	err := fn(callCtx)
	if !timer.Stop() && errors.Is(context.Cause(callCtx), ErrTimeLimitExceeded) {
		return fmt.Errorf("after %s: %w", l.timeout, ErrTimeLimitExceeded)
	}
	if err != nil {
		cancel(err)
	}
	return err
}
