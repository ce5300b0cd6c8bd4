// pkg/persistence/store.go
package persistence

import (
	"context"
	"time"

	"github.com/shadowsync/shadowd/pkg/model"
)

// Mutator transforms a shadow document in place. It receives a private clone
// of the current document; returning an error aborts the swap without a write.
type Mutator func(doc *model.ShadowDocument) error

// ShadowStore is durable keyed storage for shadow documents with
// optimistic-concurrency writes.
type ShadowStore interface {
	// Get retrieves the document for a device. Returns model.ErrNotFound if
	// no document exists; a read never creates one.
	Get(ctx context.Context, deviceID string) (*model.ShadowDocument, error)

	// CreateIfAbsent returns the existing document, or creates and returns an
	// empty one at version 0. Safe under concurrent callers for the same device.
	CreateIfAbsent(ctx context.Context, deviceID string) (*model.ShadowDocument, error)

	// CompareAndSwap is the sole mutation path. It loads the current document,
	// applies mutate to a clone, and persists the candidate at
	// expectedVersion+1 only if no other writer advanced the version since
	// load. Returns model.ErrVersionConflict otherwise; the caller re-reads
	// and retries. Returns the committed document on success.
	CompareAndSwap(ctx context.Context, deviceID string, expectedVersion int64, mutate Mutator) (*model.ShadowDocument, error)

	// Delete removes a document. Explicit administrative operation; shadows
	// are never deleted implicitly. Returns model.ErrNotFound if absent.
	Delete(ctx context.Context, deviceID string) error
}

// HistoryStore is append-only time-series storage of state transitions.
type HistoryStore interface {
	// Append stores the given points. Points are immutable once written;
	// out-of-order timestamps are accepted and reordered at query time only.
	Append(ctx context.Context, deviceID string, points []model.HistoryPoint) error

	// Query returns points within [from, to] in ascending timestamp order.
	// When more than limit points fall in the range, the most recent limit
	// points are returned (still ascending). limit <= 0 means no cap.
	Query(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]model.HistoryPoint, error)
}

// Store combines both persistence concerns behind a single handle, mirroring
// how the service wires one backing engine for shadows and history.
type Store interface {
	ShadowStore
	HistoryStore
	Close()
}
