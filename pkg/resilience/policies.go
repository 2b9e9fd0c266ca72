package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rhuss/chatgate/pkg/observability"
)

// EnginePolicy is the resilience state of one engine.
type EnginePolicy struct {
	Engine  string
	Breaker *CircuitBreaker
	Retry   *Retry
	Limiter *TimeLimiter

	now func() time.Time
}

// Finish reports how a call admitted by Open ended. Only the first call
// counts.
type Finish func(err error)

// Open runs fn, the opening phase of a call, under retry, breaker and
// time limit. A failed attempt is recorded at once and may be retried; a
// rejected attempt returns an error wrapping ErrCircuitOpen without
// calling fn. When an attempt succeeds its breaker permit stays held and
// the returned Finish must be called with the outcome of the whole call.
// The breaker then sees that outcome and the time since the attempt
// started.
func (p *EnginePolicy) Open(ctx context.Context, fn func(ctx context.Context) error) (Finish, error) {
	var finish Finish
	err := p.Retry.Do(ctx, func(ctx context.Context) error {
		permit, err := p.Breaker.Acquire()
		if err != nil {
			observability.BreakerRejectedTotal.WithLabelValues(p.Engine).Inc()
			return fmt.Errorf("engine %s: %w", p.Engine, err)
		}
		start := p.now()
		if err := p.Limiter.Run(ctx, fn); err != nil {
			p.Breaker.Record(permit, err, p.now().Sub(start))
			return err
		}
		var once sync.Once
		finish = func(err error) {
			once.Do(func() { p.Breaker.Record(permit, err, p.now().Sub(start)) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return finish, nil
}

// Execute is Open for calls that are complete once fn returns.
func (p *EnginePolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	finish, err := p.Open(ctx, fn)
	if err != nil {
		return err
	}
	finish(nil)
	return nil
}

// Option customizes Policies.
type Option func(*Policies)

// WithClock sets the clock used by breakers and call timing.
func WithClock(now func() time.Time) Option {
	return func(p *Policies) { p.now = now }
}

// WithTimer sets the timer factory used between retry attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(p *Policies) { p.newTimer = newTimer }
}

// Policies is the registry of per-engine resilience state. Policies for
// an engine are created on first use from the engine's override, if any,
// or from the defaults.
type Policies struct {
	defaults  Config
	overrides map[string]Config
	now       func() time.Time
	newTimer  func() backoff.Timer

	mu      sync.RWMutex
	engines map[string]*EnginePolicy
}

// NewPolicies returns an empty registry.
func NewPolicies(defaults Config, overrides map[string]Config, opts ...Option) *Policies {
	p := &Policies{
		defaults:  defaults,
		overrides: make(map[string]Config, len(overrides)),
		now:       time.Now,
		engines:   make(map[string]*EnginePolicy),
	}
	for name, cfg := range overrides {
		p.overrides[normalize(name)] = cfg
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// For returns the policy for engine, creating it on first use.
func (p *Policies) For(engine string) *EnginePolicy {
	engine = normalize(engine)

	p.mu.RLock()
	ep, ok := p.engines[engine]
	p.mu.RUnlock()
	if ok {
		return ep
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ep, ok := p.engines[engine]; ok {
		return ep
	}
	ep = p.build(engine)
	p.engines[engine] = ep
	return ep
}

// Open runs the opening phase of a call under the policy of engine.
func (p *Policies) Open(ctx context.Context, engine string, fn func(ctx context.Context) error) (Finish, error) {
	return p.For(engine).Open(ctx, fn)
}

// Execute runs fn under the policy of engine.
func (p *Policies) Execute(ctx context.Context, engine string, fn func(ctx context.Context) error) error {
	return p.For(engine).Execute(ctx, fn)
}

// Snapshot returns the breaker state of every engine seen so far.
func (p *Policies) Snapshot() map[string]BreakerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]BreakerSnapshot, len(p.engines))
	for name, ep := range p.engines {
		out[name] = ep.Breaker.Snapshot()
	}
	return out
}

// Engines returns the names of all engines with a policy, sorted.
func (p *Policies) Engines() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.engines))
	for name := range p.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Policies) build(engine string) *EnginePolicy {
	cfg, ok := p.overrides[engine]
	if !ok {
		cfg = p.defaults
	}

	observability.BreakerState.WithLabelValues(engine).Set(observability.BreakerClosed)
	breaker := NewCircuitBreaker(engine, cfg.CircuitBreaker, p.now, func(tr Transition) {
		observability.BreakerState.WithLabelValues(tr.Engine).Set(gaugeValue(tr.To))
		observability.BreakerTransitionsTotal.WithLabelValues(tr.Engine, tr.From.String(), tr.To.String()).Inc()
	})
	retry := NewRetry(cfg.Retry, p.newTimer, func(attempt int, err error, wait time.Duration) {
		observability.RetriesTotal.WithLabelValues(engine).Inc()
		slog.Warn("retrying engine call",
			"engine", engine,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})

	return &EnginePolicy{
		Engine:  engine,
		Breaker: breaker,
		Retry:   retry,
		Limiter: NewTimeLimiter(cfg.TimeLimiter),
		now:     p.now,
	}
}

func gaugeValue(s State) float64 {
	switch s {
	case StateOpen:
		return observability.BreakerOpen
	case StateHalfOpen:
		return observability.BreakerHalfOpen
	default:
		return observability.BreakerClosed
	}
}

func normalize(engine string) string {
	return strings.ToLower(strings.TrimSpace(engine))
}
