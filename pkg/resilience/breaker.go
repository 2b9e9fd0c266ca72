package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Permit is handed out by Acquire and must be returned through Record.
type Permit struct {
	generation uint64
	state      State
}

// Transition describes one state change.
type Transition struct {
	Engine string
	From   State
	To     State
	At     time.Time
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	State          State
	BufferedCalls  int
	FailureRate    float64
	SlowCallRate   float64
	LastTransition time.Time
}

type callRecord struct {
	failed bool
	slow   bool
}

// CircuitBreaker is a count-based sliding-window breaker.
//
// CLOSED admits every call and records outcomes into a ring of the last
// SlidingWindowSize calls. Once at least MinimumCalls outcomes are
// buffered, a failure or slow-call rate at or above its threshold trips
// the breaker OPEN. OPEN rejects every call until WaitDurationInOpen has
// elapsed; the next Acquire then moves to HALF_OPEN, which admits exactly
// PermittedHalfOpenCalls trial calls and decides CLOSED or OPEN once all
// of them have reported.
type CircuitBreaker struct {
	engine       string
	cfg          BreakerConfig
	now          func() time.Time
	onTransition func(Transition)

	mu             sync.Mutex
	state          State
	generation     uint64
	lastTransition time.Time
	openedAt       time.Time

	ring     []callRecord
	next     int
	buffered int
	failures int
	slow     int

	trialsIssued int
	trialsDone   int
	trialsFailed int
	trialsSlow   int
}

// NewCircuitBreaker returns a CLOSED breaker. now and onTransition may be nil.
func NewCircuitBreaker(engine string, cfg BreakerConfig, now func() time.Time, onTransition func(Transition)) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	size := max(cfg.SlidingWindowSize, 1)
	return &CircuitBreaker{
		engine:         engine,
		cfg:            cfg,
		now:            now,
		onTransition:   onTransition,
		ring:           make([]callRecord, size),
		lastTransition: now(),
	}
}

// Acquire asks for permission to make one call. It returns ErrCircuitOpen
// when the call must not be attempted.
func (b *CircuitBreaker) Acquire() (Permit, error) {
	b.mu.Lock()
	var tr *Transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.WaitDurationInOpen {
			return Permit{}, ErrCircuitOpen
		}
		tr = b.transitionLocked(StateHalfOpen)
	}

	if b.state == StateHalfOpen {
		if b.trialsIssued >= b.cfg.PermittedHalfOpenCalls {
			return Permit{}, ErrCircuitOpen
		}
		b.trialsIssued++
	}
	return Permit{generation: b.generation, state: b.state}, nil
}

// Record reports the result of a call admitted by p. Results from a
// previous state generation are discarded.
func (b *CircuitBreaker) Record(p Permit, err error, elapsed time.Duration) {
	b.mu.Lock()
	var tr *Transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	if p.generation != b.generation {
		return
	}

	oc := classifyOutcome(err)
	if oc == outcomeIgnored {
		if b.state == StateHalfOpen && b.trialsIssued > 0 {
			b.trialsIssued--
		}
		return
	}
	rec := callRecord{
		failed: oc == outcomeFailure,
		slow:   elapsed >= b.cfg.SlowCallDuration,
	}

	switch b.state {
	case StateClosed:
		b.pushLocked(rec)
		if b.buffered >= min(b.cfg.MinimumCalls, len(b.ring)) && b.exceedsLocked(b.failures, b.slow, b.buffered) {
			tr = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.trialsDone++
		if rec.failed {
			b.trialsFailed++
		}
		if rec.slow {
			b.trialsSlow++
		}
		if b.trialsDone >= b.cfg.PermittedHalfOpenCalls {
			if b.exceedsLocked(b.trialsFailed, b.trialsSlow, b.trialsDone) {
				tr = b.transitionLocked(StateOpen)
			} else {
				tr = b.transitionLocked(StateClosed)
			}
		}
	}
}

// State returns the current state without advancing OPEN to HALF_OPEN.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current state and window statistics.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerSnapshot{
		State:          b.state,
		BufferedCalls:  b.buffered,
		LastTransition: b.lastTransition,
	}
	if b.buffered > 0 {
		s.FailureRate = rate(b.failures, b.buffered)
		s.SlowCallRate = rate(b.slow, b.buffered)
	}
	return s
}

func (b *CircuitBreaker) pushLocked(rec callRecord) {
	if b.buffered == len(b.ring) {
		old := b.ring[b.next]
		if old.failed {
			b.failures--
		}
		if old.slow {
			b.slow--
		}
	} else {
		b.buffered++
	}
	b.ring[b.next] = rec
	b.next = (b.next + 1) % len(b.ring)
	if rec.failed {
		b.failures++
	}
	if rec.slow {
		b.slow++
	}
}

func (b *CircuitBreaker) exceedsLocked(failed, slow, total int) bool {
	if total == 0 {
		return false
	}
	return rate(failed, total) >= b.cfg.FailureRateThreshold ||
		rate(slow, total) >= b.cfg.SlowCallRateThreshold
}

func (b *CircuitBreaker) transitionLocked(to State) *Transition {
	from := b.state
	now := b.now()
	b.state = to
	b.generation++
	b.lastTransition = now

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		clear(b.ring)
		b.next, b.buffered, b.failures, b.slow = 0, 0, 0, 0
	}
	b.trialsIssued, b.trialsDone, b.trialsFailed, b.trialsSlow = 0, 0, 0, 0

	return &Transition{Engine: b.engine, From: from, To: to, At: now}
}

func (b *CircuitBreaker) notify(tr *Transition) {
	if tr == nil {
		return
	}
	slog.Info("circuit breaker state changed",
		"engine", tr.Engine,
		"from", tr.From.String(),
		"to", tr.To.String(),
	)
	if b.onTransition != nil {
		b.onTransition(*tr)
	}
}

func rate(n, total int) float64 {
	return float64(n) * 100 / float64(total)
}
