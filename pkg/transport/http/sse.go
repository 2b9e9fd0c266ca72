package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/transport"
)

var errStreamClosed = errors.New("stream already ended with a terminal event")

// sseWriter sends each event as one named SSE frame and flushes it:
//
//	event: meta
//	data: {"trace_id":"...","engine":"vllm",...}
//
// The response headers go out with the first frame, so an error found
// before that can still become a plain JSON error response.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	traceID string

	mu     sync.Mutex
	buf    bytes.Buffer
	opened bool
	closed bool
}

var _ transport.EventWriter = (*sseWriter)(nil)

func newSSEWriter(w http.ResponseWriter, traceID string) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w), traceID: traceID}
}

func (s *sseWriter) WriteEvent(_ context.Context, ev api.Event) error {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if !s.opened {
		s.open()
	}

	s.buf.Reset()
	s.buf.WriteString("event: ")
	s.buf.WriteString(string(ev.Type))
	s.buf.WriteString("\ndata: ")
	s.buf.Write(payload)
	s.buf.WriteString("\n\n")

	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush %s event: %w", ev.Type, err)
	}
	s.closed = ev.IsTerminal()
	return nil
}

func (s *sseWriter) open() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if s.traceID != "" {
		h.Set("X-Trace-ID", s.traceID)
	}
	s.w.WriteHeader(http.StatusOK)
	s.opened = true
}

func (s *sseWriter) Flush() error {
	return s.rc.Flush()
}

// started reports whether the status line has been sent.
func (s *sseWriter) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// completed reports whether a terminal event has been sent.
func (s *sseWriter) completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
