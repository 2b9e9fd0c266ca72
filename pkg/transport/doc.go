// Package transport defines the handler contracts and middleware chain for
// the gateway's HTTP/SSE surface.
//
// A ChatHandler receives a validated GatewayRequest and writes the
// Standard Event stream (meta, delta, done, error) to an EventWriter. The
// adapter in transport/http supplies an EventWriter that renders named
// SSE events. StreamHandler turns anything producing a channel of events,
// such as the tool orchestrator, into a ChatHandler.
//
// Middleware wraps a ChatHandler. Recovery turns a panic into an
// INTERNAL_ERROR event unless a terminal event already went out,
// RequestID assigns X-Request-ID and Logging records one line per stream
// with its outcome and time to first token.
//
// InFlightRegistry tracks active client streams by trace id. Start hands
// out a cancellable context and a release func, and Cancel stops the
// stream behind DELETE /v1/chat/stream/{traceId}.
package transport
