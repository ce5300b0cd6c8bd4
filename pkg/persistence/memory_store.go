// pkg/persistence/memory_store.go
package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shadowsync/shadowd/pkg/model"
)

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a mutex-guarded in-memory implementation of Store. It backs
// unit tests and single-node development runs; the Postgres store is the
// production path. Documents are deep-copied on every boundary crossing so
// callers can never mutate stored state behind the store's back.
type MemoryStore struct {
	mu      sync.RWMutex
	shadows map[string]*model.ShadowDocument
	history map[string][]model.HistoryPoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shadows: map[string]*model.ShadowDocument{},
		history: map[string][]model.HistoryPoint{},
	}
}

// Close is a no-op; it exists to satisfy Store.
func (s *MemoryStore) Close() {}

// Get retrieves a document copy, or model.ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, deviceID string) (*model.ShadowDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.shadows[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: device '%s'", model.ErrNotFound, deviceID)
	}
	return doc.Clone(), nil
}

// CreateIfAbsent returns the existing document or creates an empty one at
// version 0.
func (s *MemoryStore) CreateIfAbsent(_ context.Context, deviceID string) (*model.ShadowDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.shadows[deviceID]
	if !ok {
		doc = model.NewShadowDocument(deviceID, time.Now().UTC())
		s.shadows[deviceID] = doc
	}
	return doc.Clone(), nil
}

// CompareAndSwap applies mutate to a clone of the current document and
// commits it at expectedVersion+1, or fails with model.ErrVersionConflict
// when another writer got there first.
func (s *MemoryStore) CompareAndSwap(_ context.Context, deviceID string, expectedVersion int64, mutate Mutator) (*model.ShadowDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.shadows[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: device '%s'", model.ErrNotFound, deviceID)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: device '%s' expected version %d, have %d",
			model.ErrVersionConflict, deviceID, expectedVersion, current.Version)
	}

	candidate := current.Clone()
	if err := mutate(candidate); err != nil {
		return nil, err
	}
	candidate.DeviceID = deviceID // Immutable regardless of what the mutator did
	candidate.Version = expectedVersion + 1

	s.shadows[deviceID] = candidate
	return candidate.Clone(), nil
}

// Delete removes a document and its history.
func (s *MemoryStore) Delete(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shadows[deviceID]; !ok {
		return fmt.Errorf("%w: device '%s'", model.ErrNotFound, deviceID)
	}
	delete(s.shadows, deviceID)
	delete(s.history, deviceID)
	return nil
}

// Append stores history points in arrival order. Ordering happens at query
// time, never on write.
func (s *MemoryStore) Append(_ context.Context, deviceID string, points []model.HistoryPoint) error {
	if len(points) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[deviceID] = append(s.history[deviceID], points...)
	return nil
}

// Query returns points within [from, to] ascending by timestamp. When the
// range holds more than limit points, the most recent limit points win.
func (s *MemoryStore) Query(_ context.Context, deviceID string, from, to time.Time, limit int) ([]model.HistoryPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := []model.HistoryPoint{}
	for _, p := range s.history[deviceID] {
		if p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		matched = append(matched, p)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}
