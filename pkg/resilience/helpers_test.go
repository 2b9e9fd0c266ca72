package resilience

import (
	"fmt"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// instantTimer fires immediately and remembers every requested wait.
type instantTimer struct {
	mu    *sync.Mutex
	waits *[]time.Duration
	c     chan time.Time
}

func newTimerRecorder() (func() backoffTimer, *[]time.Duration) {
	var mu sync.Mutex
	waits := &[]time.Duration{}
	return func() backoffTimer {
		return &instantTimer{mu: &mu, waits: waits}
	}, waits
}

func (t *instantTimer) Start(d time.Duration) {
	t.mu.Lock()
	*t.waits = append(*t.waits, d)
	t.mu.Unlock()
	t.c = make(chan time.Time, 1)
	t.c <- time.Time{}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("upstream status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		SlidingWindowSize:      10,
		MinimumCalls:           5,
		FailureRateThreshold:   50,
		SlowCallRateThreshold:  100,
		SlowCallDuration:       time.Second,
		WaitDurationInOpen:     30 * time.Second,
		PermittedHalfOpenCalls: 3,
	}
}
