package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a caller may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// TierConfig is the request budget of one service tier.
type TierConfig struct {
	RequestsPerMinute int
}

// RateLimitError rejects a request. It matches ErrTooManyRequests.
type RateLimitError struct {
	Tier       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tier %s, retry after %s", e.Tier, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrTooManyRequests }

// InProcessLimiter keeps one token bucket per subject and tier. A bucket
// holds a full minute of requests and refills continuously.
type InProcessLimiter struct {
	tiers      map[string]TierConfig
	defaultRPM int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewInProcessLimiter creates a limiter. Tiers without an entry use
// defaultRPM; a budget of zero or less is unlimited.
func NewInProcessLimiter(tiers map[string]TierConfig, defaultRPM int) *InProcessLimiter {
	return &InProcessLimiter{
		tiers:      tiers,
		defaultRPM: defaultRPM,
		buckets:    make(map[string]*rate.Limiter),
	}
}

// Allow takes one token from the caller's bucket.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := identity.ServiceTier
	if tier == "" {
		tier = "default"
	}
	rpm := l.defaultRPM
	if tc, ok := l.tiers[tier]; ok {
		rpm = tc.RequestsPerMinute
	}
	if rpm <= 0 {
		return nil
	}

	res := l.bucket(identity.Subject+"|"+tier, rpm).Reserve()
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return &RateLimitError{Tier: tier, RetryAfter: d}
	}
	return nil
}

func (l *InProcessLimiter) bucket(key string, rpm int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm)
		l.buckets[key] = b
	}
	return b
}
