// Package memory provides an in-memory A/B result store for tests and
// single-process deployments. Results are lost when the process restarts.
// Optional LRU eviction limits memory usage.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rhuss/chatgate/pkg/abtest"
	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/storage"
)

// entry holds a stored result and its expiry.
type entry struct {
	result    *api.ABTestResult
	expiresAt time.Time     // zero means no expiry
	lruElem   *list.Element // position in LRU list
}

// Store is an in-memory ResultStore with TTL expiry and optional LRU eviction.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lruList *list.List // front = most recently used
	maxSize int        // 0 = unlimited
	now     func() time.Time
}

var _ abtest.ResultStore = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit; otherwise the least recently used entry is evicted when
// the limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Save stores a copy of result under its trace id. A live entry for the
// same trace id is never replaced and yields storage.ErrConflict. A ttl
// of 0 keeps the entry until evicted.
func (s *Store) Save(_ context.Context, result *api.ABTestResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	if e, ok := s.entries[result.TraceID]; ok {
		if !s.expired(e) {
			return storage.ErrConflict
		}
		s.remove(result.TraceID, e)
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.lruList.PushFront(result.TraceID)
	s.entries[result.TraceID] = &entry{
		result:    result.Clone(),
		expiresAt: expiresAt,
		lruElem:   elem,
	}
	return nil
}

// Get returns the result for traceID. Expired entries and entries owned
// by another tenant are reported as storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, traceID string) (*api.ABTestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[traceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if s.expired(e) {
		s.remove(traceID, e)
		return nil, storage.ErrNotFound
	}
	if !storage.Visible(ctx, e.result.UserID) {
		return nil, storage.ErrNotFound
	}

	s.lruList.MoveToFront(e.lruElem)
	return e.result.Clone(), nil
}

// Purge removes expired entries and returns how many were dropped.
func (s *Store) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.entries {
		if s.expired(e) {
			s.remove(id, e)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

func (s *Store) remove(id string, e *entry) {
	s.lruList.Remove(e.lruElem)
	delete(s.entries, id)
}

// evictOldest removes the least recently used entry. Must be called with mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	s.remove(id, s.entries[id])
}
