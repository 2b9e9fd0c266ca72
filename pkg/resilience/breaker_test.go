package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recordN(t *testing.T, b *CircuitBreaker, n int, err error, elapsed time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		p, aerr := b.Acquire()
		if aerr != nil {
			t.Fatalf("Acquire #%d: %v", i, aerr)
		}
		b.Record(p, err, elapsed)
	}
}

func TestBreakerStaysClosedBelowMinimumCalls(t *testing.T) {
	b := NewCircuitBreaker("vllm", testBreakerConfig(), newFakeClock().Now, nil)
	recordN(t, b, 4, errors.New("boom"), 0)
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %s, want CLOSED", got)
	}
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b := NewCircuitBreaker("vllm", testBreakerConfig(), newFakeClock().Now, nil)
	boom := errors.New("boom")

	recordN(t, b, 3, nil, 0)
	recordN(t, b, 2, boom, 0)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 2/5 failures = %s, want CLOSED", got)
	}

	recordN(t, b, 1, boom, 0)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 3/6 failures = %s, want OPEN", got)
	}
	if _, err := b.Acquire(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Acquire while OPEN: err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerOpensOnSlowCalls(t *testing.T) {
	b := NewCircuitBreaker("vllm", testBreakerConfig(), newFakeClock().Now, nil)
	recordN(t, b, 4, nil, 2*time.Second)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
	recordN(t, b, 1, nil, 2*time.Second)
	if got := b.State(); got != StateOpen {
		t.Errorf("state after 5 slow calls = %s, want OPEN", got)
	}
}

func TestBreakerClientErrorsCountAsSuccess(t *testing.T) {
	b := NewCircuitBreaker("vllm", testBreakerConfig(), newFakeClock().Now, nil)
	recordN(t, b, 10, statusErr(400), 0)
	if got := b.State(); got != StateClosed {
		t.Errorf("state after 4xx answers = %s, want CLOSED", got)
	}
	recordN(t, b, 5, statusErr(503), 0)
	if got := b.State(); got != StateOpen {
		t.Errorf("state after 5xx answers = %s, want OPEN", got)
	}
}

func TestBreakerSlidingWindowEvictsOldCalls(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.SlidingWindowSize = 4
	cfg.MinimumCalls = 4
	b := NewCircuitBreaker("vllm", cfg, newFakeClock().Now, nil)
	boom := errors.New("boom")

	recordN(t, b, 1, boom, 0)
	recordN(t, b, 3, nil, 0)
	snap := b.Snapshot()
	if snap.FailureRate != 25 {
		t.Fatalf("failure rate = %v, want 25", snap.FailureRate)
	}

	recordN(t, b, 1, nil, 0)
	snap = b.Snapshot()
	if snap.FailureRate != 0 || snap.BufferedCalls != 4 {
		t.Errorf("after eviction: rate = %v buffered = %d, want 0 and 4", snap.FailureRate, snap.BufferedCalls)
	}
}

func tripBreaker(t *testing.T, b *CircuitBreaker) {
	t.Helper()
	recordN(t, b, 5, errors.New("boom"), 0)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}
}

func TestBreakerHalfOpenAdmitsExactlyPermittedCalls(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker("vllm", testBreakerConfig(), clock.Now, nil)
	tripBreaker(t, b)

	clock.Advance(29 * time.Second)
	if _, err := b.Acquire(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Acquire before wait elapsed: err = %v, want ErrCircuitOpen", err)
	}

	clock.Advance(time.Second)
	var permits []Permit
	for i := 0; i < 3; i++ {
		p, err := b.Acquire()
		if err != nil {
			t.Fatalf("trial %d rejected: %v", i, err)
		}
		permits = append(permits, p)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}
	if _, err := b.Acquire(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("fourth trial: err = %v, want ErrCircuitOpen", err)
	}

	for i, p := range permits {
		b.Record(p, nil, 0)
		if i < 2 && b.State() != StateHalfOpen {
			t.Fatalf("decided after %d of 3 trials", i+1)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state after successful trials = %s, want CLOSED", got)
	}
	if snap := b.Snapshot(); snap.BufferedCalls != 0 {
		t.Errorf("window not reset on close: %d buffered", snap.BufferedCalls)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker("vllm", testBreakerConfig(), clock.Now, nil)
	tripBreaker(t, b)
	clock.Advance(30 * time.Second)

	recordN(t, b, 1, nil, 0)
	recordN(t, b, 2, statusErr(502), 0)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}

	clock.Advance(10 * time.Second)
	if _, err := b.Acquire(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("wait did not restart on reopen: err = %v", err)
	}
}

func TestBreakerCancelledTrialReleasesPermit(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker("vllm", testBreakerConfig(), clock.Now, nil)
	tripBreaker(t, b)
	clock.Advance(30 * time.Second)

	p, err := b.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	b.Record(p, context.Canceled, 0)

	recordN(t, b, 3, nil, 0)
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %s, want CLOSED", got)
	}
}

func TestBreakerIgnoresStalePermits(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker("vllm", testBreakerConfig(), clock.Now, nil)

	stale, err := b.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	tripBreaker(t, b)
	clock.Advance(30 * time.Second)
	recordN(t, b, 3, nil, 0)

	b.Record(stale, errors.New("late failure"), 0)
	if snap := b.Snapshot(); snap.BufferedCalls != 0 {
		t.Errorf("stale result was recorded: %+v", snap)
	}
}

func TestBreakerReportsTransitions(t *testing.T) {
	clock := newFakeClock()
	var got []string
	b := NewCircuitBreaker("vllm", testBreakerConfig(), clock.Now, func(tr Transition) {
		if tr.Engine != "vllm" {
			t.Errorf("engine = %q", tr.Engine)
		}
		got = append(got, tr.From.String()+">"+tr.To.String())
	})

	tripBreaker(t, b)
	clock.Advance(30 * time.Second)
	recordN(t, b, 3, nil, 0)

	want := []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
