package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/auth"
	"github.com/rhuss/chatgate/pkg/storage"
	"github.com/rhuss/chatgate/pkg/transport"
)

// Adapter serves the chat gateway over HTTP.
type Adapter struct {
	chat     transport.ChatHandler
	results  transport.ResultReader // nil when A/B results are not served
	engines  transport.EngineLister // nil hides /v1/engines
	inflight *transport.InFlightRegistry
	mux      *http.ServeMux
	config   Config
	draining atomic.Bool
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64
	Validation  api.ValidationConfig

	// ReadinessChecks are run by /readyz, keyed by a name reported on failure.
	ReadinessChecks map[string]transport.HealthChecker

	// Metrics exposes the Prometheus registry on /metrics.
	Metrics bool
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 10 << 20, // 10 MB
		Validation:  api.DefaultValidationConfig(),
		Metrics:     true,
	}
}

// NewAdapter creates an HTTP adapter. results and engines are optional.
// Middleware is applied to the ChatHandler in the given order.
func NewAdapter(chat transport.ChatHandler, results transport.ResultReader, engines transport.EngineLister, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		chat = transport.Chain(middlewares...)(chat)
	}

	a := &Adapter{
		chat:     chat,
		results:  results,
		engines:  engines,
		inflight: transport.NewInFlightRegistry(),
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	a.mux.HandleFunc("POST /v1/chat/stream", a.handleChatStream)
	a.mux.HandleFunc("DELETE /v1/chat/stream/{traceId}", a.handleCancelStream)
	a.mux.HandleFunc("GET /v1/ab/results/{traceId}", a.handleGetResult)
	a.mux.HandleFunc("GET /v1/engines", a.handleListEngines)
	a.mux.HandleFunc("GET /healthz", handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)
	if cfg.Metrics {
		a.mux.Handle("GET /metrics", promhttp.Handler())
	}

	return a
}

// Handler returns the http.Handler for this adapter, including X-Request-ID
// propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// ActiveStreams returns the number of client streams in flight.
func (a *Adapter) ActiveStreams() int {
	return a.inflight.Len()
}

// Drain makes /readyz fail so load balancers stop routing new streams here
// while existing ones finish.
func (a *Adapter) Drain() {
	a.draining.Store(true)
}

// httpRequestIDMiddleware copies an incoming X-Request-ID into the context
// and echoes the effective request ID on the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			r = r.WithContext(transport.ContextWithRequestID(r.Context(), id))
		}
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter injects the X-Request-ID header before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

func (w *requestIDResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleChatStream handles POST /v1/chat/stream.
func (a *Adapter) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, _ := mime.ParseMediaType(ct); mt != "application/json" {
			transport.WriteAPIError(w, api.NewInvalidRequestError("content_type", "Content-Type must be application/json").WithStatus(http.StatusUnsupportedMediaType))
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.GatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteAPIError(w, api.NewInvalidRequestError("body",
				fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)).WithStatus(http.StatusRequestEntityTooLarge))
			return
		}
		transport.WriteAPIError(w, api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()))
		return
	}

	// The header wins over the body; a fresh id is minted when neither is set.
	if id := r.Header.Get("X-Trace-ID"); id != "" {
		req.TraceID = id
	}
	if apiErr := api.ValidateRequest(&req, a.config.Validation); apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}
	supplied := req.TraceID != ""
	if !supplied {
		req.TraceID = api.NewTraceID()
	}
	if id := auth.IdentityFromContext(r.Context()); id != nil {
		req.UserID = id.Owner()
	}

	ctx, release, ok := a.inflight.Start(r.Context(), req.TraceID)
	if !ok {
		transport.WriteAPIError(w, api.NewConflictError("trace_id", "a stream with trace id "+req.TraceID+" is already active"))
		return
	}
	defer release()

	if supplied {
		if apiErr := a.checkTraceUnused(ctx, req.TraceID); apiErr != nil {
			transport.WriteAPIError(w, apiErr)
			return
		}
	}

	rw := newSSEWriter(w, req.TraceID)
	err := a.chat.Chat(ctx, &req, rw)

	switch {
	case err != nil && !rw.started():
		var apiErr *api.APIError
		if !errors.As(err, &apiErr) {
			apiErr = api.NewServerError(err.Error())
		}
		w.Header().Set("X-Trace-ID", req.TraceID)
		transport.WriteAPIError(w, apiErr)
	case err != nil:
		slog.Debug("client stream ended early", "trace_id", req.TraceID, "error", err)
	case !rw.completed():
		// Every stream must end with a terminal event.
		rw.WriteEvent(ctx, api.NewErrorEvent(api.CodeInternalError, "stream ended without a terminal event", req.TraceID))
	}
}

// checkTraceUnused rejects a client supplied trace id that already names
// an A/B comparison, finished or not, so one caller cannot replace
// another's result.
func (a *Adapter) checkTraceUnused(ctx context.Context, traceID string) *api.APIError {
	reg, ok := a.results.(transport.TraceRegistry)
	if !ok {
		return nil
	}
	used, err := reg.InUse(ctx, traceID)
	if err != nil {
		slog.Error("checking trace id", "trace_id", traceID, "error", err)
		return api.NewServerError("could not verify trace id " + traceID)
	}
	if used {
		return api.NewConflictError("trace_id", "trace id "+traceID+" is already in use")
	}
	return nil
}

// handleCancelStream handles DELETE /v1/chat/stream/{traceId}.
func (a *Adapter) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("traceId")
	if !api.ValidateTraceID(id) {
		transport.WriteAPIError(w, api.NewInvalidRequestError("traceId", "malformed trace id"))
		return
	}

	if !a.inflight.Cancel(id) {
		transport.WriteAPIError(w, api.NewNotFoundError("no active stream with trace id "+id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetResult handles GET /v1/ab/results/{traceId}.
func (a *Adapter) handleGetResult(w http.ResponseWriter, r *http.Request) {
	if a.results == nil {
		transport.WriteAPIError(w, api.NewInvalidRequestError("", "A/B results are not available (A/B testing disabled)").WithStatus(http.StatusNotImplemented))
		return
	}

	id := r.PathValue("traceId")
	if !api.ValidateTraceID(id) {
		transport.WriteAPIError(w, api.NewInvalidRequestError("traceId", "malformed trace id"))
		return
	}

	ctx := r.Context()
	if ident := auth.IdentityFromContext(ctx); ident != nil {
		ctx = storage.SetTenant(ctx, ident.Owner())
	}

	result, err := a.results.GetResult(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			transport.WriteAPIError(w, api.NewNotFoundError("A/B result "+id+" not found"))
		} else {
			slog.Error("looking up A/B result", "trace_id", id, "error", err)
			transport.WriteAPIError(w, api.NewServerError("failed to look up A/B result"))
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleListEngines handles GET /v1/engines.
func (a *Adapter) handleListEngines(w http.ResponseWriter, _ *http.Request) {
	if a.engines == nil {
		transport.WriteAPIError(w, api.NewNotFoundError("engine listing is not available"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"engines": a.engines.Engines()})
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// handleReadyz reports 503 with the failing checks when any is unhealthy.
func (a *Adapter) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range a.config.ReadinessChecks {
		if err := check.HealthCheck(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
