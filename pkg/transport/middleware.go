package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/chatgate/pkg/api"
)

// Middleware decorates a ChatHandler.
type Middleware func(ChatHandler) ChatHandler

// Chain composes middleware so that the first one listed runs outermost.
func Chain(mws ...Middleware) Middleware {
	return func(h ChatHandler) ChatHandler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

// tap observes the events passing through an EventWriter.
type tap struct {
	EventWriter
	start    time.Time
	events   int
	first    time.Duration
	terminal *api.Event
}

func newTap(w EventWriter) *tap {
	if t, ok := w.(*tap); ok {
		return t
	}
	return &tap{EventWriter: w, start: time.Now()}
}

func (t *tap) WriteEvent(ctx context.Context, ev api.Event) error {
	err := t.EventWriter.WriteEvent(ctx, ev)
	if err != nil {
		return err
	}
	t.events++
	if ev.Type == api.EventDelta && t.first == 0 {
		t.first = time.Since(t.start)
	}
	if ev.IsTerminal() {
		t.terminal = &ev
	}
	return nil
}

// outcome summarizes how the stream ended: "stop", "length", an error
// code, or "open" when no terminal event was written.
func (t *tap) outcome() string {
	switch {
	case t.terminal == nil:
		return "open"
	case t.terminal.Error != nil:
		return t.terminal.Error.Code
	case t.terminal.Done != nil:
		return t.terminal.Done.FinishReason
	}
	return "unknown"
}

// Recovery turns a handler panic into an INTERNAL_ERROR event, unless the
// stream already ended.
func Recovery() Middleware {
	return func(next ChatHandler) ChatHandler {
		return ChatHandlerFunc(func(ctx context.Context, req *api.GatewayRequest, w EventWriter) (err error) {
			t := newTap(w)
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				slog.Error("chat handler panicked", "trace_id", req.TraceID, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
				if t.terminal == nil {
					err = t.WriteEvent(ctx, api.NewErrorEvent(api.CodeInternalError, "internal server error", req.TraceID))
				}
			}()
			return next.Chat(ctx, req, t)
		})
	}
}

type requestIDKey struct{}

// ContextWithRequestID stores a request id in ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID mints a UUID request id unless the adapter already took one
// from the X-Request-ID header.
func RequestID() Middleware {
	return func(next ChatHandler) ChatHandler {
		return ChatHandlerFunc(func(ctx context.Context, req *api.GatewayRequest, w EventWriter) error {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, uuid.NewString())
			}
			return next.Chat(ctx, req, w)
		})
	}
}

// Logging writes one record per stream with its outcome, event count and
// timing. Streams the client abandoned are logged at warn level.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ChatHandler) ChatHandler {
		return ChatHandlerFunc(func(ctx context.Context, req *api.GatewayRequest, w EventWriter) error {
			t := newTap(w)
			err := next.Chat(ctx, req, t)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("trace_id", req.TraceID),
				slog.String("engine", req.Engine),
				slog.Int("messages", len(req.Messages)),
				slog.Int("events", t.events),
				slog.String("outcome", t.outcome()),
				slog.Duration("duration", time.Since(t.start)),
			}
			if t.first > 0 {
				attrs = append(attrs, slog.Duration("ttft", t.first))
			}
			level, msg := slog.LevelInfo, "chat stream finished"
			if err != nil {
				level, msg = slog.LevelWarn, "chat stream abandoned"
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			logger.LogAttrs(ctx, level, msg, attrs...)
			return err
		})
	}
}
