// Command server runs the chatgate streaming gateway.
//
// Configuration is read from a YAML file (--config, CHATGATE_CONFIG,
// ./config.yaml or /etc/chatgate/config.yaml) and CHATGATE_* environment
// variables. A .env file in the working directory is loaded first.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rhuss/chatgate/pkg/abtest"
	"github.com/rhuss/chatgate/pkg/auth"
	"github.com/rhuss/chatgate/pkg/auth/apikey"
	"github.com/rhuss/chatgate/pkg/auth/jwt"
	"github.com/rhuss/chatgate/pkg/auth/noop"
	"github.com/rhuss/chatgate/pkg/config"
	"github.com/rhuss/chatgate/pkg/debug"
	"github.com/rhuss/chatgate/pkg/gateway"
	"github.com/rhuss/chatgate/pkg/orchestrator"
	"github.com/rhuss/chatgate/pkg/resilience"
	"github.com/rhuss/chatgate/pkg/router"
	"github.com/rhuss/chatgate/pkg/storage"
	"github.com/rhuss/chatgate/pkg/storage/memory"
	"github.com/rhuss/chatgate/pkg/storage/postgres"
	"github.com/rhuss/chatgate/pkg/storage/sqlite"
	"github.com/rhuss/chatgate/pkg/tools"
	mcptools "github.com/rhuss/chatgate/pkg/tools/mcp"
	"github.com/rhuss/chatgate/pkg/tools/websearch"
	"github.com/rhuss/chatgate/pkg/transport"
	transporthttp "github.com/rhuss/chatgate/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring unreadable .env file", "error", err)
	}

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	debug.Setup(debug.Options{
		Categories: cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := router.New(routes(cfg), cfg.DefaultEngine)
	if err != nil {
		return err
	}

	overrides := map[string]resilience.Config{}
	for name, e := range cfg.Engines {
		if e.Resilience != nil {
			overrides[name] = *e.Resilience
		}
	}
	policies := resilience.NewPolicies(cfg.Resilience, overrides)

	gw := gateway.New(rt, policies, gateway.Config{StreamTimeout: cfg.Gateway.StreamTimeout})
	defer gw.Close()

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer store.Close()

	var (
		abStreamer gateway.Streamer
		results    transport.ResultReader
		coord      *abtest.Coordinator
	)
	if cfg.ABTest.Enabled {
		coord = abtest.New(gw, store, abtest.Config{
			Primary:       cfg.ABTest.Primary,
			Shadow:        cfg.ABTest.Shadow,
			Timeout:       cfg.ABTest.Timeout,
			ResultTTL:     cfg.ABTest.ResultTTL,
			CacheMaxSize:  cfg.ABTest.CacheMaxSize,
			ShadowWorkers: cfg.ABTest.ShadowWorkers,
		})
		abStreamer, results = coord, coord
		slog.Info("A/B testing enabled", "primary", cfg.ABTest.Primary, "shadow", cfg.ABTest.Shadow)
	}

	registry := tools.NewRegistry(cfg.Tools.Timeout)
	defer registry.Close()
	for _, s := range cfg.Tools.MCP {
		ts := mcptools.NewToolset(mcptools.ServerConfig{
			Name:          s.Name,
			Transport:     s.Transport,
			URL:           s.URL,
			Headers:       s.Headers,
			RequiredRoles: s.RequiredRoles,
		}, nil)
		if err := registry.RegisterToolset(ctx, ts); err != nil {
			slog.Warn("MCP server unavailable, its tools are not offered", "server", s.Name, "error", err)
			ts.Close()
		}
	}

	if ws := cfg.Tools.WebSearch; ws.URL != "" {
		tool, err := websearch.New(websearch.Config{URL: ws.URL, MaxResults: ws.MaxResults, RequiredRoles: ws.RequiredRoles})
		if err != nil {
			return err
		}
		registry.Register(tool)
	}

	orch := orchestrator.New(gw, abStreamer, registry, orchestrator.Config{
		MaxIterations: cfg.Tools.MaxIterations,
		Concurrency:   cfg.Tools.Concurrency,
	})

	adapterCfg := transporthttp.DefaultConfig()
	adapterCfg.MaxBodySize = cfg.Server.MaxBodySize
	adapterCfg.Metrics = cfg.Observability.Metrics.Enabled
	adapterCfg.ReadinessChecks = map[string]transport.HealthChecker{"storage": store}

	adapter := transporthttp.NewAdapter(
		transport.StreamHandler(orch),
		results,
		gw,
		adapterCfg,
		transport.Recovery(),
		transport.RequestID(),
		transport.Logging(slog.Default()),
	)

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithReadTimeout(cfg.Server.ReadTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithDrainDelay(cfg.Server.DrainDelay),
	}
	if mw := authMiddleware(cfg.Auth); mw != nil {
		opts = append(opts, transporthttp.WithMiddleware(mw))
	}
	srv := transporthttp.NewServer(adapter, opts...)

	if coord != nil {
		go purgeLoop(ctx, cfg.ABTest.PurgeInterval, store, coord)
	}

	slog.Info("chatgate starting",
		"port", cfg.Server.Port,
		"engines", len(cfg.Engines),
		"default_engine", rt.Default(),
		"storage", cfg.Storage.Type,
		"auth", cfg.Auth.Type,
		"tools", registry.Len(),
	)
	serveErr := srv.Run(ctx)

	// Shadows still running write into the store, so they are drained first.
	if coord != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		if err := coord.Shutdown(drainCtx); err != nil {
			slog.Warn("shadow streams still running at shutdown", "active", coord.ActiveShadows(), "error", err)
		}
		cancel()
	}
	return serveErr
}

func routes(cfg *config.Config) []router.Route {
	names := make([]string, 0, len(cfg.Engines))
	for name := range cfg.Engines {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]router.Route, 0, len(names))
	for _, name := range names {
		e := cfg.Engines[name]
		out = append(out, router.Route{Engine: name, BaseURL: e.BaseURL, Model: e.Model, APIKey: e.APIKey})
	}
	return out
}

func newStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "sqlite":
		slog.Info("storage enabled", "type", "sqlite", "path", cfg.SQLite.Path)
		return sqlite.New(cfg.SQLite.Path)
	case "postgres":
		slog.Info("storage enabled", "type", "postgres")
		return postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			MigrateOnStart:  cfg.Postgres.MigrateOnStart,
		})
	default:
		slog.Info("storage enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil
	}
}

// authMiddleware builds the authentication chain. It returns nil when
// authentication is disabled.
func authMiddleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	keys := make([]apikey.RawKeyEntry, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, apikey.RawKeyEntry{
			Key: k.Key,
			Identity: auth.Identity{
				Subject:     k.Subject,
				ServiceTier: k.ServiceTier,
				Roles:       k.Roles,
				Tenant:      k.TenantID,
			},
		})
	}

	chain := &auth.AuthChain{DefaultDecision: auth.No}
	switch cfg.Type {
	case "apikey":
		chain.Authenticators = []auth.Authenticator{apikey.New(keys)}
	case "jwt":
		// Static keys stay usable next to tokens; JWTs abstain on them.
		chain.Authenticators = []auth.Authenticator{jwt.New(jwt.Config{
			Issuer:      cfg.JWT.Issuer,
			Audience:    cfg.JWT.Audience,
			JWKSURL:     cfg.JWT.JWKSURL,
			UserClaim:   cfg.JWT.UserClaim,
			TenantClaim: cfg.JWT.TenantClaim,
			RolesClaim:  cfg.JWT.RolesClaim,
			CacheTTL:    cfg.JWT.CacheTTL,
		})}
		if len(keys) > 0 {
			chain.Authenticators = append(chain.Authenticators, apikey.New(keys))
		}
	default:
		if cfg.RateLimit.DefaultRPM <= 0 && len(cfg.RateLimit.Tiers) == 0 {
			return nil
		}
		chain.Authenticators = []auth.Authenticator{&noop.Authenticator{}}
	}

	var limiter auth.RateLimiter
	if cfg.RateLimit.DefaultRPM > 0 || len(cfg.RateLimit.Tiers) > 0 {
		tiers := make(map[string]auth.TierConfig, len(cfg.RateLimit.Tiers))
		for tier, rpm := range cfg.RateLimit.Tiers {
			tiers[tier] = auth.TierConfig{RequestsPerMinute: rpm}
		}
		limiter = auth.NewInProcessLimiter(tiers, cfg.RateLimit.DefaultRPM)
	}

	return auth.Middleware(chain, limiter, auth.DefaultBypass)
}

// purgeLoop removes expired results from the store and the in-memory
// cache until ctx is done.
func purgeLoop(ctx context.Context, interval time.Duration, store storage.Store, coord *abtest.Coordinator) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx)
			if err != nil {
				slog.Warn("purging expired results", "error", err)
			}
			cached := coord.PurgeCache()
			if n > 0 || cached > 0 {
				slog.Debug("purged expired results", "store", n, "cache", cached)
			}
		}
	}
}
