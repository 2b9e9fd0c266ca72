package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamCancelled is the cancellation cause of a stream stopped through
// the registry.
var ErrStreamCancelled = errors.New("stream cancelled by client request")

type streamEntry struct {
	cancel context.CancelCauseFunc
}

// InFlightRegistry indexes active client streams by trace id so they can
// be cancelled from another request. Cancelling stops the primary path
// only; a running shadow comparison continues.
type InFlightRegistry struct {
	mu      sync.Mutex
	streams map[string]*streamEntry
}

func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{streams: make(map[string]*streamEntry)}
}

// Start registers a stream under id and returns the context it must run
// with. ok is false when id is already active. release must be called when
// the stream ends; it never removes a later stream that reused id.
func (r *InFlightRegistry) Start(parent context.Context, id string) (ctx context.Context, release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.streams[id]; busy {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancelCause(parent)
	e := &streamEntry{cancel: cancel}
	r.streams[id] = e

	release = func() {
		r.mu.Lock()
		if r.streams[id] == e {
			delete(r.streams, id)
		}
		r.mu.Unlock()
		cancel(nil)
	}
	return ctx, release, true
}

// Cancel stops the stream registered under id. It reports false when no
// such stream is active.
func (r *InFlightRegistry) Cancel(id string) bool {
	r.mu.Lock()
	e, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if ok {
		e.cancel(ErrStreamCancelled)
	}
	return ok
}

// Len returns the number of active streams.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
