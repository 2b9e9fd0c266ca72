// Command mock-backend runs one or more deterministic OpenAI-compatible
// engines for local development and end-to-end tests. The reply scenario is
// chosen by the last user message; see package mockengine.
//
// A single engine listens on -addr. Several engines, for example a primary
// and a shadow for A/B runs, are started with -engines:
//
//	mock-backend -engines primary=:9091,shadow=:9092
//
// Flags default to the MOCK_ADDR, MOCK_ENGINES, MOCK_MODEL and
// MOCK_CHUNK_DELAY environment variables. A .env file is loaded first.
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
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc/pool"

	"github.com/rhuss/chatgate/pkg/mockengine"
)

type engine struct {
	name string
	addr string
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring unreadable .env file", "error", err)
	}

	addr := flag.String("addr", envOr("MOCK_ADDR", ":9090"), "listen address of a single unnamed engine")
	list := flag.String("engines", os.Getenv("MOCK_ENGINES"), "comma separated name=addr pairs")
	model := flag.String("model", os.Getenv("MOCK_MODEL"), "model reported when the request names none")
	delay := flag.String("chunk-delay", envOr("MOCK_CHUNK_DELAY", "200ms"), "pause between chunks of slow replies")
	flag.Parse()

	chunkDelay, err := time.ParseDuration(*delay)
	if err != nil {
		slog.Error("invalid chunk delay", "value", *delay, "error", err)
		os.Exit(2)
	}

	engines, err := parseEngines(*list, *addr)
	if err != nil {
		slog.Error("invalid engine list", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, engines, *model, chunkDelay); err != nil {
		slog.Error("mock backend failed", "error", err)
		os.Exit(1)
	}
}

// serve runs every engine until ctx ends or one of them fails, then shuts
// the rest down.
func serve(ctx context.Context, engines []engine, model string, chunkDelay time.Duration) error {
	p := pool.New().WithContext(ctx).WithCancelOnError()
	for _, e := range engines {
		srv := &http.Server{
			Addr: e.addr,
			Handler: mockengine.New(mockengine.Options{
				Name:       e.name,
				Model:      model,
				ChunkDelay: chunkDelay,
			}).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		p.Go(func(ctx context.Context) error {
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			slog.Info("mock engine listening", "name", e.name, "addr", e.addr)

			select {
			case err := <-errc:
				return fmt.Errorf("engine %q: %w", e.name, err)
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("engine %q shutdown: %w", e.name, err)
			}
			slog.Info("mock engine stopped", "name", e.name)
			return nil
		})
	}
	return p.Wait()
}

// parseEngines reads "name=addr" pairs. An empty list yields one unnamed
// engine on fallback.
func parseEngines(list, fallback string) ([]engine, error) {
	if strings.TrimSpace(list) == "" {
		return []engine{{addr: fallback}}, nil
	}
	var out []engine
	seen := map[string]bool{}
	for _, pair := range strings.Split(list, ",") {
		name, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("malformed entry %q, want name=addr", pair)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate engine %q", name)
		}
		seen[name] = true
		out = append(out, engine{name: name, addr: addr})
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
