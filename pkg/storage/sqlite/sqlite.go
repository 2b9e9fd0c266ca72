// Package sqlite provides an embedded A/B result store backed by a single
// SQLite file, for single-node deployments that want results to survive
// restarts without running PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rhuss/chatgate/pkg/abtest"
	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS ab_results (
	trace_id       TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	primary_engine TEXT NOT NULL,
	shadow_engine  TEXT NOT NULL,
	result         TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	expires_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_ab_results_expires ON ab_results(expires_at);
`

// Store is a SQLite-backed ResultStore. Timestamps are unix milliseconds.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ abtest.ResultStore = (*Store)(nil)
	_ storage.Store      = (*Store)(nil)
)

// New opens (creating if needed) the database at path and ensures the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Save inserts result. An expired row with the same trace id is replaced;
// a live one yields storage.ErrConflict. A ttl of 0 stores it without
// expiry.
func (s *Store) Save(ctx context.Context, result *api.ABTestResult, ttl time.Duration) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: s.now().Add(ttl).UnixMilli(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ab_results (trace_id, tenant_id, status, primary_engine, shadow_engine, result, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			status = excluded.status,
			primary_engine = excluded.primary_engine,
			shadow_engine = excluded.shadow_engine,
			result = excluded.result,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE ab_results.expires_at IS NOT NULL AND ab_results.expires_at <= ?
	`,
		result.TraceID, result.UserID, string(result.Status), result.PrimaryEngine, result.ShadowEngine,
		string(doc), result.CreatedAt.UnixMilli(), expiresAt, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving result %s: %w", result.TraceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saving result %s: %w", result.TraceID, err)
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// Get returns the unexpired result for traceID, scoped by the tenant in ctx.
func (s *Store) Get(ctx context.Context, traceID string) (*api.ABTestResult, error) {
	query := `SELECT result FROM ab_results WHERE trace_id = ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{traceID, s.now().UnixMilli()}

	if tenantID := storage.Tenant(ctx); tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}

	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying result: %w", err)
	}

	var result api.ABTestResult
	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling result: %w", err)
	}
	return &result, nil
}

// Purge deletes expired results.
func (s *Store) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM ab_results WHERE expires_at IS NOT NULL AND expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging results: %w", err)
	}
	return int(n), nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
