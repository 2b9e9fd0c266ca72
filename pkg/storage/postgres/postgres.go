// Package postgres stores A/B results in PostgreSQL through a pgx pool.
// Each result is kept as a JSONB document beside the columns used for
// lookup, owner scoping and expiry. Expiry uses the database clock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/chatgate/pkg/abtest"
	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/storage"
)

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ abtest.ResultStore = (*Store)(nil)
	_ storage.Store      = (*Store)(nil)
)

// New connects and, when cfg.MigrateOnStart is set, migrates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid DSN: %w", err)
	}
	pc.MaxConns, pc.MinConns = cfg.MaxConns, cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	s := &Store{pool: pool}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return s, nil
}

const insertResult = `
INSERT INTO ab_results AS r (
	trace_id, tenant_id, status, primary_engine, shadow_engine,
	result, created_at, completed_at, expires_at
) VALUES (
	@trace_id, @owner, @status, @primary, @shadow,
	@doc, @created_at, @completed_at,
	CASE WHEN @ttl_ms::bigint > 0 THEN now() + make_interval(secs => @ttl_ms::bigint / 1000.0) END
)
ON CONFLICT (trace_id) DO UPDATE SET
	tenant_id      = EXCLUDED.tenant_id,
	status         = EXCLUDED.status,
	primary_engine = EXCLUDED.primary_engine,
	shadow_engine  = EXCLUDED.shadow_engine,
	result         = EXCLUDED.result,
	created_at     = EXCLUDED.created_at,
	completed_at   = EXCLUDED.completed_at,
	expires_at     = EXCLUDED.expires_at
WHERE r.expires_at <= now()`

// Save inserts result under its owner. It only replaces a row whose TTL
// has run out; a live row yields storage.ErrConflict. A ttl of 0 never
// expires.
func (s *Store) Save(ctx context.Context, result *api.ABTestResult, ttl time.Duration) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, insertResult, pgx.NamedArgs{
		"trace_id":     result.TraceID,
		"owner":        result.UserID,
		"status":       string(result.Status),
		"primary":      result.PrimaryEngine,
		"shadow":       result.ShadowEngine,
		"doc":          doc,
		"created_at":   result.CreatedAt,
		"completed_at": result.CompletedAt,
		"ttl_ms":       ttl.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("postgres: save %s: %w", result.TraceID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

// Get returns the live result for traceID. A tenant in ctx restricts the
// lookup to results it owns.
func (s *Store) Get(ctx context.Context, traceID string) (*api.ABTestResult, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT result FROM ab_results
		WHERE trace_id = $1
		  AND ($2 = '' OR tenant_id = $2)
		  AND (expires_at IS NULL OR expires_at > now())`,
		traceID, storage.Tenant(ctx),
	).Scan(&doc)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, storage.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("postgres: get %s: %w", traceID, err)
	}

	var result api.ABTestResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("postgres: decode %s: %w", traceID, err)
	}
	return &result, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ab_results WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) HealthCheck(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
