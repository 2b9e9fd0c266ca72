package transport

import (
	"context"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/auth"
	"github.com/rhuss/chatgate/pkg/gateway"
)

// ChatHandler serves one chat request by writing its event stream to w.
// It returns an error only when w could not be written.
type ChatHandler interface {
	Chat(ctx context.Context, req *api.GatewayRequest, w EventWriter) error
}

// ChatHandlerFunc is an adapter that allows using an ordinary function
// as a ChatHandler.
type ChatHandlerFunc func(ctx context.Context, req *api.GatewayRequest, w EventWriter) error

// Chat calls f(ctx, req, w).
func (f ChatHandlerFunc) Chat(ctx context.Context, req *api.GatewayRequest, w EventWriter) error {
	return f(ctx, req, w)
}

// EventWriter delivers Standard Events to the client. WriteEvent returns
// an error after a terminal event has been written or when the client
// has gone away.
type EventWriter interface {
	WriteEvent(ctx context.Context, ev api.Event) error
	Flush() error
}

// ResultReader looks up A/B comparison results.
type ResultReader interface {
	GetResult(ctx context.Context, traceID string) (*api.ABTestResult, error)
}

// TraceRegistry is implemented by a ResultReader that can tell whether a
// trace id already belongs to a comparison of any owner.
type TraceRegistry interface {
	InUse(ctx context.Context, traceID string) (bool, error)
}

// EngineLister reports the configured engines and their breaker state.
type EngineLister interface {
	Engines() []gateway.EngineStatus
}

// HealthChecker reports whether a dependency is ready to serve.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Runner produces the Standard Event stream for a request on behalf of a
// caller holding roles.
type Runner interface {
	Run(ctx context.Context, req *api.GatewayRequest, engine string, roles []string) <-chan api.Event
}

// StreamHandler adapts a Runner to a ChatHandler. The caller's roles are
// taken from the authenticated identity in the context.
func StreamHandler(r Runner) ChatHandler {
	return ChatHandlerFunc(func(ctx context.Context, req *api.GatewayRequest, w EventWriter) error {
		roles := auth.RolesFromContext(ctx)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var writeErr error
		for ev := range r.Run(ctx, req, req.Engine, roles) {
			if writeErr != nil {
				continue
			}
			if err := w.WriteEvent(ctx, ev); err != nil {
				// Stop the pipeline and drain what is already in flight.
				writeErr = err
				cancel()
			}
		}
		return writeErr
	})
}
