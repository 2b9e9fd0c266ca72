package abtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/rhuss/chatgate/pkg/observability"
)

var (
	// ErrPoolSaturated is returned when every shadow worker is busy.
	ErrPoolSaturated = errors.New("shadow pool saturated")

	// ErrPoolClosed is returned after Shutdown has been called.
	ErrPoolClosed = errors.New("shadow pool closed")
)

// Pool runs detached shadow tasks with bounded concurrency and can wait
// for all of them on shutdown. Go never blocks: when the pool is full
// the task is refused.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool running at most size tasks at once.
func NewPool(size int) *Pool {
	return &Pool{sem: make(chan struct{}, max(size, 1))}
}

// Go starts fn on its own goroutine. A panic in fn is recovered and logged.
func (p *Pool) Go(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.sem <- struct{}{}:
	default:
		return ErrPoolSaturated
	}

	p.wg.Add(1)
	observability.ShadowTasksActive.Inc()
	go func() {
		defer func() {
			<-p.sem
			observability.ShadowTasksActive.Dec()
			p.wg.Done()
		}()
		if r := panics.Try(fn); r != nil {
			slog.Error("panic in shadow task", "panic", r.String())
		}
	}()
	return nil
}

// Active returns the number of running tasks.
func (p *Pool) Active() int {
	return len(p.sem)
}

// Shutdown refuses new tasks and waits for running ones until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d shadow tasks: %w", p.Active(), ctx.Err())
	}
}
