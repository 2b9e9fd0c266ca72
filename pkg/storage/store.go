package storage

import (
	"context"
	"time"

	"github.com/rhuss/chatgate/pkg/api"
)

// Store is the full surface of a result store adapter. It is a superset
// of abtest.ResultStore adding the maintenance operations the server uses.
type Store interface {
	Save(ctx context.Context, result *api.ABTestResult, ttl time.Duration) error
	Get(ctx context.Context, traceID string) (*api.ABTestResult, error)

	// Purge deletes expired results and reports how many were removed.
	Purge(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
