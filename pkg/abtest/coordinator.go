package abtest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/debug"
	"github.com/rhuss/chatgate/pkg/gateway"
	"github.com/rhuss/chatgate/pkg/observability"
	"github.com/rhuss/chatgate/pkg/storage"
)

// saveTimeout bounds one write of a finished result.
const saveTimeout = 10 * time.Second

// ResultStore persists finished comparisons with a time to live.
type ResultStore interface {
	// Save writes a terminal result. A trace id that already has a live
	// result yields storage.ErrConflict.
	Save(ctx context.Context, result *api.ABTestResult, ttl time.Duration) error

	// Get returns an unexpired result or storage.ErrNotFound.
	Get(ctx context.Context, traceID string) (*api.ABTestResult, error)
}

// Coordinator runs primary and shadow streams for one request.
type Coordinator struct {
	streamer gateway.Streamer
	store    ResultStore
	cache    *Cache
	pool     *Pool
	cfg      Config
	now      func() time.Time
}

var _ gateway.Streamer = (*Coordinator)(nil)

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for timing and timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator that streams both sides through streamer.
// store may be nil, in which case results live only in the cache.
func New(streamer gateway.Streamer, store ResultStore, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.Primary == "" {
		cfg.Primary = def.Primary
	}
	if cfg.Shadow == "" {
		cfg.Shadow = def.Shadow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if cfg.ShadowWorkers <= 0 {
		cfg.ShadowWorkers = def.ShadowWorkers
	}

	c := &Coordinator{
		streamer: streamer,
		store:    store,
		pool:     NewPool(cfg.ShadowWorkers),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cache = NewCache(cfg.CacheMaxSize, cfg.ResultTTL, c.now)
	return c
}

// Stream starts an A/B comparison for req. The engines come from req.AB,
// falling back to the configured primary and shadow; the engine argument
// is not used. Only the primary's events are returned, with the meta
// event tagged as A/B mode. The shadow runs detached from ctx and is
// bounded by the configured timeout only.
func (c *Coordinator) Stream(ctx context.Context, req *api.GatewayRequest, _ string) <-chan api.Event {
	primary, shadow := c.Engines(req)

	t := newTracker(&api.ABTestResult{
		TraceID:       req.TraceID,
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		PrimaryEngine: primary,
		ShadowEngine:  shadow,
		CreatedAt:     c.now().UTC(),
	}, c.now, c.persist)
	if !c.cache.claim(req.TraceID, t) {
		out := make(chan api.Event, 1)
		out <- api.NewErrorEvent(api.CodeInvalidRequest,
			"trace id "+req.TraceID+" already belongs to an A/B comparison", req.TraceID)
		close(out)
		return out
	}

	debug.Log("abtest", "comparison started",
		"trace_id", req.TraceID, "primary", primary, "shadow", shadow)

	c.startShadow(ctx, req, shadow, t)

	out := make(chan api.Event, 64)
	go c.runPrimary(ctx, req, primary, t, out)
	return out
}

// InUse reports whether traceID already belongs to a comparison, running
// or finished, of any owner.
func (c *Coordinator) InUse(ctx context.Context, traceID string) (bool, error) {
	if _, ok := c.cache.get(traceID); ok {
		return true, nil
	}
	if c.store == nil {
		return false, nil
	}
	_, err := c.store.Get(storage.Unscoped(ctx), traceID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	}
	return false, err
}

// Engines returns the primary and shadow engine for req.
func (c *Coordinator) Engines(req *api.GatewayRequest) (primary, shadow string) {
	primary, shadow = c.cfg.Primary, c.cfg.Shadow
	if req.AB != nil {
		if req.AB.Primary != "" {
			primary = req.AB.Primary
		}
		if req.AB.Shadow != "" {
			shadow = req.AB.Shadow
		}
	}
	return primary, shadow
}

func (c *Coordinator) startShadow(ctx context.Context, req *api.GatewayRequest, engine string, t *tracker) {
	shadowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	err := c.pool.Go(func() {
		defer cancel()
		rec := newRecorder(c.now)
		if r := panics.Try(func() {
			for ev := range c.streamer.Stream(shadowCtx, req, engine) {
				rec.observe(ev)
			}
		}); r != nil {
			rec.fail("panic: " + r.String())
		}

		o := rec.outcome()
		if o.Failed {
			slog.Warn("shadow stream failed",
				"engine", engine,
				"trace_id", req.TraceID,
				"error", o.Error,
			)
		}
		t.record(sideShadow, o)
	})
	if err != nil {
		cancel()
		slog.Warn("shadow stream not started",
			"engine", engine,
			"trace_id", req.TraceID,
			"error", err,
		)
		t.record(sideShadow, sideOutcome{Failed: true, Error: err.Error()})
	}
}

func (c *Coordinator) runPrimary(ctx context.Context, req *api.GatewayRequest, engine string, t *tracker, out chan<- api.Event) {
	defer close(out)

	primaryCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	rec := newRecorder(c.now)
	forward := true
	for ev := range c.streamer.Stream(primaryCtx, req, engine) {
		rec.observe(ev)
		if ev.Type == api.EventMeta {
			m := *ev.Meta
			m.Mode = api.ModeAB
			ev.Meta = &m
		}
		if !forward {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			// Keep draining so the upstream stream can finish and
			// the primary outcome is still recorded.
			forward = false
		}
	}

	o := rec.outcome()
	if rec.terminal == nil && forward {
		select {
		case out <- api.NewErrorEvent(api.CodeInternalError, o.Error, req.TraceID):
		case <-ctx.Done():
		}
	}
	t.record(sidePrimary, o)
}

// persist stores a finished result. It runs on whichever side finished last.
func (c *Coordinator) persist(result *api.ABTestResult) {
	observability.ABResultsTotal.WithLabelValues(string(result.Status)).Inc()
	slog.Info("ab comparison finished",
		"trace_id", result.TraceID,
		"status", string(result.Status),
		"primary", result.PrimaryEngine,
		"shadow", result.ShadowEngine,
		"primary_ttft_ms", result.PrimaryTTFTMillis,
		"shadow_ttft_ms", result.ShadowTTFTMillis,
	)

	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := c.store.Save(ctx, result, c.cfg.ResultTTL); err != nil {
		slog.Error("failed to persist ab result", "trace_id", result.TraceID, "error", err)
	}
}

// GetResult returns the comparison for traceID. A finished result in
// memory wins; otherwise the durable store is asked, and a comparison
// still in progress is returned as a snapshot. Results owned by another
// tenant are reported as storage.ErrNotFound.
func (c *Coordinator) GetResult(ctx context.Context, traceID string) (*api.ABTestResult, error) {
	var inProgress *api.ABTestResult
	if t, ok := c.cache.get(traceID); ok {
		snap := t.snapshot()
		if !storage.Visible(ctx, snap.UserID) {
			return nil, storage.ErrNotFound
		}
		if snap.Status.IsTerminal() {
			return snap, nil
		}
		inProgress = snap
	}

	if c.store != nil {
		result, err := c.store.Get(ctx, traceID)
		switch {
		case err == nil:
			return result, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}

	if inProgress != nil {
		return inProgress, nil
	}
	return nil, storage.ErrNotFound
}

// PurgeCache drops expired cache entries.
func (c *Coordinator) PurgeCache() int {
	return c.cache.Purge()
}

// ActiveShadows returns the number of running shadow streams.
func (c *Coordinator) ActiveShadows() int {
	return c.pool.Active()
}

// Shutdown stops accepting shadow streams and waits for running ones.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.pool.Shutdown(ctx)
}
