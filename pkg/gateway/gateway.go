// Package gateway streams one chat request to one engine under the
// engine's resilience policies and returns Standard Events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/debug"
	"github.com/rhuss/chatgate/pkg/observability"
	"github.com/rhuss/chatgate/pkg/provider/openaicompat"
	"github.com/rhuss/chatgate/pkg/resilience"
	"github.com/rhuss/chatgate/pkg/router"
)

// DefaultStreamTimeout bounds one engine stream end to end.
const DefaultStreamTimeout = 90 * time.Second

// Streamer produces the event stream for one request against one engine.
// The returned channel always carries exactly one terminal event and is
// then closed.
type Streamer interface {
	Stream(ctx context.Context, req *api.GatewayRequest, engine string) <-chan api.Event
}

// Config holds gateway settings.
type Config struct {
	StreamTimeout time.Duration
	// BufferSize is the capacity of each returned event channel.
	BufferSize int
	// Transport is used for all engine connections. Nil means
	// http.DefaultTransport.
	Transport http.RoundTripper
}

// EngineStatus describes one configured engine and its breaker.
type EngineStatus struct {
	Engine       string           `json:"engine"`
	Model        string           `json:"model"`
	Default      bool             `json:"default"`
	Breaker      resilience.State `json:"circuitBreaker"`
	FailureRate  float64          `json:"failureRate"`
	SlowCallRate float64          `json:"slowCallRate"`
	Since        time.Time        `json:"since,omitzero"`
}

// Gateway is the direct streaming path.
type Gateway struct {
	router   *router.Router
	policies *resilience.Policies
	clients  map[string]*openaicompat.Client
	cfg      Config
}

var _ Streamer = (*Gateway)(nil)

// New creates a Gateway with one client per route.
func New(r *router.Router, policies *resilience.Policies, cfg Config) *Gateway {
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}

	clients := make(map[string]*openaicompat.Client)
	for _, route := range r.Routes() {
		clients[route.Engine] = openaicompat.NewClient(route.Engine, route.BaseURL, route.APIKey, cfg.Transport)
	}
	return &Gateway{router: r, policies: policies, clients: clients, cfg: cfg}
}

// Stream starts streaming req to engine. An unknown or empty engine name
// falls back to the default engine. Stream never blocks and never fails;
// every failure is delivered as the terminal error event.
func (g *Gateway) Stream(ctx context.Context, req *api.GatewayRequest, engine string) <-chan api.Event {
	out := make(chan api.Event, g.cfg.BufferSize)
	go func() {
		defer close(out)
		s := &stream{gw: g, req: req, out: out, parent: ctx}
		if r := panics.Try(func() { s.run(ctx, engine) }); r != nil {
			slog.Error("panic in engine stream", "trace_id", req.TraceID, "panic", r.String())
			s.terminate(api.NewErrorEvent(api.CodeInternalError, "internal error", req.TraceID))
		}
		// The consumer went away before the stream finished.
		s.terminate(api.NewErrorEvent(api.CodeCancelled, "stream cancelled", req.TraceID))
	}()
	return out
}

// Engines reports every configured engine with its breaker state.
func (g *Gateway) Engines() []EngineStatus {
	snaps := g.policies.Snapshot()
	routes := g.router.Routes()
	out := make([]EngineStatus, 0, len(routes))
	for _, route := range routes {
		st := EngineStatus{
			Engine:  route.Engine,
			Model:   modelFor(route),
			Default: route.Engine == g.router.Default(),
			Breaker: resilience.StateClosed,
		}
		if snap, ok := snaps[route.Engine]; ok {
			st.Breaker = snap.State
			st.FailureRate = snap.FailureRate
			st.SlowCallRate = snap.SlowCallRate
			st.Since = snap.LastTransition
		}
		out = append(out, st)
	}
	return out
}

// Close releases idle engine connections.
func (g *Gateway) Close() error {
	for _, c := range g.clients {
		_ = c.Close()
	}
	return nil
}

// stream is the state of one Stream call.
type stream struct {
	gw       *Gateway
	req      *api.GatewayRequest
	out      chan<- api.Event
	parent   context.Context
	terminal bool
}

func (s *stream) run(ctx context.Context, engine string) {
	route := s.gw.router.Resolve(engine)
	client := s.gw.clients[route.Engine]
	model := modelFor(route)
	traceID := s.req.TraceID

	ctx, cancel := context.WithTimeout(ctx, s.gw.cfg.StreamTimeout)
	defer cancel()

	start := time.Now()
	if !s.emit(api.NewMetaEvent(traceID, route.Engine, model, api.ModeDirect)) {
		return
	}

	wreq := openaicompat.BuildWorkerRequest(s.req, model)
	var body io.ReadCloser
	finish, err := s.gw.policies.Open(ctx, route.Engine, func(ctx context.Context) error {
		if body != nil {
			body.Close()
			body = nil
		}
		b, err := client.Open(ctx, wreq)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		if body != nil {
			body.Close()
		}
		ev := errorEvent(err, route.Engine, traceID)
		slog.Warn("engine stream failed to open",
			"engine", route.Engine,
			"trace_id", traceID,
			"code", ev.Error.Code,
			"error", err,
		)
		s.terminate(ev)
		observability.EngineStreamsTotal.WithLabelValues(route.Engine, ev.Error.Code).Inc()
		return
	}
	defer body.Close()

	// The breaker judges the engine by how the stream ended, not by the
	// response headers. Anything short of a terminal event means the
	// consumer left and says nothing about the engine.
	streamErr := context.Canceled
	defer func() { finish(streamErr) }()

	firstDelta := true
	outcome := "incomplete"
	tr := openaicompat.NewTransformer(route.Engine, traceID, func(ev api.Event) bool {
		switch {
		case ev.Type == api.EventDelta && firstDelta:
			firstDelta = false
			observability.EngineTTFT.WithLabelValues(route.Engine).Observe(time.Since(start).Seconds())
		case ev.Type == api.EventDone:
			outcome = "done"
		case ev.Type == api.EventError:
			outcome = ev.Error.Code
		}
		if ev.IsTerminal() {
			s.terminate(ev)
			return false
		}
		return s.emit(ev)
	})
	tr.Transform(ctx, body)
	streamErr = streamOutcome(outcome)

	observability.EngineStreamsTotal.WithLabelValues(route.Engine, outcome).Inc()
	debug.Log("gateway", "engine stream finished",
		"engine", route.Engine,
		"trace_id", traceID,
		"outcome", outcome,
		"duration", time.Since(start),
	)
}

// emit delivers a non-terminal event. It returns false once the caller's
// context is done.
func (s *stream) emit(ev api.Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.parent.Done():
		return false
	}
}

// terminate delivers the terminal event once. When the caller has gone
// away it is delivered only if the buffer has room.
func (s *stream) terminate(ev api.Event) {
	if s.terminal {
		return
	}
	s.terminal = true
	select {
	case s.out <- ev:
	case <-s.parent.Done():
		select {
		case s.out <- ev:
		default:
		}
	}
}

// errStreamFailed marks a stream the engine broke after it was opened.
var errStreamFailed = errors.New("engine stream failed")

// streamOutcome maps how a stream ended to the error the breaker records.
func streamOutcome(outcome string) error {
	switch outcome {
	case "done":
		return nil
	case "incomplete", api.CodeCancelled:
		return context.Canceled
	}
	return fmt.Errorf("%w: %s", errStreamFailed, outcome)
}

// errorEvent maps a failure to open an engine stream to a terminal event.
func errorEvent(err error, engine, traceID string) api.Event {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return api.NewErrorEvent(api.CodeEngineUnavailable,
			fmt.Sprintf("engine %s is temporarily unavailable", engine), traceID)
	case errors.Is(err, resilience.ErrTimeLimitExceeded), errors.Is(err, context.DeadlineExceeded):
		return api.NewErrorEvent(api.CodeUpstreamTimeout,
			fmt.Sprintf("engine %s did not respond in time", engine), traceID)
	case errors.Is(err, context.Canceled):
		return api.NewErrorEvent(api.CodeCancelled, "stream cancelled", traceID)
	}

	var se *openaicompat.StatusError
	if errors.As(err, &se) {
		if se.Status >= 400 && se.Status < 500 {
			return api.NewErrorEvent(api.CodeUpstreamRejected,
				fmt.Sprintf("engine %s rejected the request: %s", engine, se.Message), traceID)
		}
		return api.NewErrorEvent(api.CodeUpstreamError,
			fmt.Sprintf("engine %s failed: %s", engine, se.Message), traceID)
	}
	return api.NewErrorEvent(api.CodeUpstreamError,
		fmt.Sprintf("engine %s is unreachable", engine), traceID)
}

func modelFor(route router.Route) string {
	if route.Model != "" {
		return route.Model
	}
	return route.Engine
}
