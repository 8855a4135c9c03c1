// Package storage defines the Store abstraction every levelq component uses to
// reach the shared queue state.
//
// Design principle: the receiver, dispatcher and dead-letter manager must ONLY
// interact with queue state through this interface. There are no in-process
// locks anywhere above it; exclusion comes from the compare-and-swap contract
// of Upsert, so any number of processes can share one backend.
package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/snehjoshi/levelq/internal/types"
)

// ErrNotFound is returned when a queue item or dead-letter entry does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned by Upsert when the stored version changed between
// the read and the conditional write. Callers retry or skip.
var ErrConflict = errors.New("storage: version conflict")

// ErrUnavailable is returned when the backend cannot be reached, or when
// conflicts persisted past the retry budget.
var ErrUnavailable = errors.New("storage: unavailable")

// ErrCorrupted is returned when a stored record cannot be decoded.
var ErrCorrupted = errors.New("storage: record corrupted")

// Op tells Upsert what to do with the record after MutateFunc returns.
type Op uint8

const (
	// OpNone leaves the record untouched. Upsert still reports ErrConflict
	// only for writes, so OpNone always succeeds.
	OpNone Op = iota
	// OpPut writes the (possibly modified) item back.
	OpPut
	// OpDelete removes the record.
	OpDelete
)

// MutateFunc inspects and edits a copy of the current record. exists is false
// when no record is stored; item is then the zero value with Key set.
// A non-nil error aborts the upsert and is returned unchanged.
type MutateFunc func(item *types.QueueItem, exists bool) (Op, error)

// Filter narrows List results.
type Filter struct {
	// Now is the reference time for eligibility. Zero means time.Now().
	Now time.Time

	// EligibleOnly keeps items that are unleased (or lease-expired) and whose
	// NotBefore is at or before Now.
	EligibleOnly bool

	// Limit caps the number of returned items after ordering. 0 = unlimited.
	Limit int
}

// Match reports whether it passes the filter.
func (f Filter) Match(it *types.QueueItem) bool {
	if !f.EligibleOnly {
		return true
	}
	return it.Eligible(f.now())
}

func (f Filter) now() time.Time {
	if f.Now.IsZero() {
		return time.Now()
	}
	return f.Now
}

// Apply filters, orders and truncates items in place and returns the result.
// Backends that cannot order natively call it on their scan output.
func (f Filter) Apply(items []*types.QueueItem) []*types.QueueItem {
	out := items[:0]
	for _, it := range items {
		if f.Match(it) {
			out = append(out, it)
		}
	}
	SortItems(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// SortItems orders items by priority desc, then enqueuedAt asc, then key.
func SortItems(items []*types.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.Key < b.Key
	})
}

// SortDeadLetters orders entries oldest dead-lettered first.
func SortDeadLetters(entries []*types.DeadLetterEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.DeadLetteredAt.Equal(b.DeadLetteredAt) {
			return a.DeadLetteredAt.Before(b.DeadLetteredAt)
		}
		return a.Key < b.Key
	})
}

// Store is the single abstraction through which queue state is read and
// mutated.
//
// Implementations:
//   - bolt.Store    : single-process, file-backed
//   - redis.Store   : shared, WATCH/MULTI optimistic transactions
//   - postgres.Store: shared, version-column conditional updates
//   - shard.Store   : routes keys across N stores
//
// All methods must be safe for concurrent use.
type Store interface {
	// Get returns the queue item for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*types.QueueItem, error)

	// Upsert reads the record for key, applies fn and writes the result only
	// if the stored version is unchanged since the read. Returns the item as
	// written (nil after OpDelete or when nothing was stored) or ErrConflict.
	Upsert(ctx context.Context, key string, fn MutateFunc) (*types.QueueItem, error)

	// List returns a best-effort snapshot of items matching f, ordered by
	// priority desc, enqueuedAt asc.
	List(ctx context.Context, f Filter) ([]*types.QueueItem, error)

	// Delete removes the queue item for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// PutDeadLetter writes (or overwrites) the dead-letter entry for e.Key.
	PutDeadLetter(ctx context.Context, e *types.DeadLetterEntry) error

	// GetDeadLetter returns the dead-letter entry for key, or ErrNotFound.
	GetDeadLetter(ctx context.Context, key string) (*types.DeadLetterEntry, error)

	// ListDeadLetter returns every dead-letter entry, oldest first.
	ListDeadLetter(ctx context.Context) ([]*types.DeadLetterEntry, error)

	// DeleteDeadLetter removes the dead-letter entry for key, or returns
	// ErrNotFound.
	DeleteDeadLetter(ctx context.Context, key string) error

	// Close releases the backend's resources.
	Close() error
}
