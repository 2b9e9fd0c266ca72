package resilience

import (
	"errors"
	"fmt"
	"time"
)

// BreakerConfig configures a count-based sliding-window circuit breaker.
// Rate thresholds are percentages in (0, 100].
type BreakerConfig struct {
	SlidingWindowSize      int           `yaml:"sliding_window_size"`
	MinimumCalls           int           `yaml:"minimum_calls"`
	FailureRateThreshold   float64       `yaml:"failure_rate_threshold"`
	SlowCallRateThreshold  float64       `yaml:"slow_call_rate_threshold"`
	SlowCallDuration       time.Duration `yaml:"slow_call_duration"`
	WaitDurationInOpen     time.Duration `yaml:"wait_duration_in_open"`
	PermittedHalfOpenCalls int           `yaml:"permitted_half_open_calls"`
}

// RetryConfig configures exponential backoff retries. MaxAttempts counts
// the first call. ExcludedStatusCodes lists 5xx codes that are never retried.
type RetryConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	InitialInterval     time.Duration `yaml:"initial_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	ExcludedStatusCodes []int         `yaml:"excluded_status_codes"`
}

// TimeLimiterConfig configures the hard per-call timeout.
type TimeLimiterConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Config bundles the three policies applied to one engine.
type Config struct {
	CircuitBreaker BreakerConfig     `yaml:"circuit_breaker"`
	Retry          RetryConfig       `yaml:"retry"`
	TimeLimiter    TimeLimiterConfig `yaml:"time_limiter"`
}

// DefaultConfig returns the default policy set.
func DefaultConfig() Config {
	return Config{
		CircuitBreaker: BreakerConfig{
			SlidingWindowSize:      10,
			MinimumCalls:           5,
			FailureRateThreshold:   50,
			SlowCallRateThreshold:  100,
			SlowCallDuration:       60 * time.Second,
			WaitDurationInOpen:     30 * time.Second,
			PermittedHalfOpenCalls: 3,
		},
		Retry: RetryConfig{
			MaxAttempts:         3,
			InitialInterval:     500 * time.Millisecond,
			Multiplier:          2,
			MaxInterval:         5 * time.Second,
			ExcludedStatusCodes: []int{501},
		},
		TimeLimiter: TimeLimiterConfig{
			Timeout: 120 * time.Second,
		},
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	b := c.CircuitBreaker
	if b.SlidingWindowSize < 1 {
		errs = append(errs, errors.New("circuit_breaker.sliding_window_size must be at least 1"))
	}
	if b.MinimumCalls < 1 {
		errs = append(errs, errors.New("circuit_breaker.minimum_calls must be at least 1"))
	}
	if b.FailureRateThreshold <= 0 || b.FailureRateThreshold > 100 {
		errs = append(errs, fmt.Errorf("circuit_breaker.failure_rate_threshold must be in (0, 100], got %v", b.FailureRateThreshold))
	}
	if b.SlowCallRateThreshold <= 0 || b.SlowCallRateThreshold > 100 {
		errs = append(errs, fmt.Errorf("circuit_breaker.slow_call_rate_threshold must be in (0, 100], got %v", b.SlowCallRateThreshold))
	}
	if b.SlowCallDuration <= 0 {
		errs = append(errs, errors.New("circuit_breaker.slow_call_duration must be positive"))
	}
	if b.WaitDurationInOpen <= 0 {
		errs = append(errs, errors.New("circuit_breaker.wait_duration_in_open must be positive"))
	}
	if b.PermittedHalfOpenCalls < 1 {
		errs = append(errs, errors.New("circuit_breaker.permitted_half_open_calls must be at least 1"))
	}

	r := c.Retry
	if r.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if r.InitialInterval <= 0 {
		errs = append(errs, errors.New("retry.initial_interval must be positive"))
	}
	if r.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if r.MaxInterval < r.InitialInterval {
		errs = append(errs, errors.New("retry.max_interval must not be below retry.initial_interval"))
	}

	if c.TimeLimiter.Timeout <= 0 {
		errs = append(errs, errors.New("time_limiter.timeout must be positive"))
	}
	return errors.Join(errs...)
}
