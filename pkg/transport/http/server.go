package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rhuss/chatgate/pkg/observability"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr string

	// ReadTimeout bounds reading a request. Responses have no write
	// timeout; a chat stream lives as long as the gateway allows.
	ReadTimeout time.Duration

	// DrainDelay is how long /readyz reports draining before the listener
	// closes. ShutdownTimeout then bounds waiting for open streams.
	DrainDelay      time.Duration
	ShutdownTimeout time.Duration

	Logger *slog.Logger

	// Middleware wraps the adapter, first entry outermost. Request
	// metrics are always recorded around all of it.
	Middleware []func(http.Handler) http.Handler
}

// ServerOption adjusts a ServerConfig.
type ServerOption func(*ServerConfig)

func WithAddr(addr string) ServerOption {
	return func(c *ServerConfig) { c.Addr = addr }
}

func WithReadTimeout(d time.Duration) ServerOption {
	return func(c *ServerConfig) { c.ReadTimeout = d }
}

func WithDrainDelay(d time.Duration) ServerOption {
	return func(c *ServerConfig) { c.DrainDelay = d }
}

func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(c *ServerConfig) { c.ShutdownTimeout = d }
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(c *ServerConfig) { c.Logger = l }
}

// WithMiddleware appends HTTP middleware such as authentication.
func WithMiddleware(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(c *ServerConfig) { c.Middleware = append(c.Middleware, mw...) }
}

// Server runs an Adapter on a listener and drains it on shutdown.
type Server struct {
	cfg     ServerConfig
	adapter *Adapter
	http    *http.Server
}

// NewServer builds a server around adapter.
func NewServer(adapter *Adapter, opts ...ServerOption) *Server {
	cfg := ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := adapter.Handler()
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		h = cfg.Middleware[i](h)
	}

	return &Server{
		cfg:     cfg,
		adapter: adapter,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           observability.MetricsMiddleware(h),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
		},
	}
}

// Handler returns the complete handler chain.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then drains: readiness fails for
// DrainDelay, new connections are refused and open streams get up to
// ShutdownTimeout to finish. It returns nil after a clean drain.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.cfg.Logger
	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(ln) }()
	log.Info("listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.adapter.Drain()
	log.Info("draining", "active_streams", s.adapter.ActiveStreams(), "delay", s.cfg.DrainDelay)
	if s.cfg.DrainDelay > 0 {
		time.Sleep(s.cfg.DrainDelay)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		log.Error("streams still open after shutdown timeout", "active_streams", s.adapter.ActiveStreams(), "error", err)
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("server stopped")
	return nil
}
