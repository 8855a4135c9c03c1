// Package dlq manages keys that exhausted their retry budget.
//
// A dead-letter entry lives in the store's dead-letter namespace, separate from
// the active queue. While an entry exists it is authoritative: the receiver
// suppresses new enqueues for the key and a dispatcher that finds a queue record
// next to it deletes the record instead of processing it.
//
//   - MoveToDeadLetter: write the entry, then drop the queue record.
//   - Reenqueue:        remove the entry and enqueue the key afresh.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/levelq/internal/metrics"
	"github.com/snehjoshi/levelq/internal/queue"
	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/types"
)

// Enqueuer is the receiving side the manager re-enqueues through.
type Enqueuer interface {
	Enqueue(ctx context.Context, key string, priority int) (queue.Outcome, error)
}

// Manager provides dead-letter operations on top of a storage.Store.
type Manager struct {
	store    storage.Store
	enqueuer Enqueuer
	now      func() time.Time
	log      *slog.Logger
	metrics  *metrics.Registry
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithMetrics sets the metrics registry.
func WithMetrics(r *metrics.Registry) Option { return func(m *Manager) { m.metrics = r } }

// NewManager returns a Manager that re-enqueues through enq.
func NewManager(store storage.Store, enq Enqueuer, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		enqueuer: enq,
		now:      time.Now,
		log:      slog.Default(),
		metrics:  new(metrics.Registry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MoveToDeadLetter records item as permanently failed with lastErr and removes
// its queue record. The entry is written first, so a crash in between leaves
// the key dead-lettered rather than lost.
func (m *Manager) MoveToDeadLetter(ctx context.Context, item *types.QueueItem, lastErr error) (*types.DeadLetterEntry, error) {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	entry := &types.DeadLetterEntry{
		Key:             item.Key,
		Priority:        item.Priority,
		Attempts:        item.Attempts,
		LastError:       msg,
		FirstEnqueuedAt: item.EnqueuedAt,
		DeadLetteredAt:  types.Timestamp(m.now()),
	}
	if err := m.store.PutDeadLetter(ctx, entry); err != nil {
		return nil, fmt.Errorf("dlq: put %q: %w", item.Key, err)
	}
	if err := m.store.Delete(ctx, item.Key); err != nil {
		// The entry is authoritative; the next claim of the stale record
		// deletes it.
		m.log.Warn("dlq: delete queue record", "key", item.Key, "err", err)
	}

	m.metrics.DeadLettered.Inc("")
	m.log.Info("dead-lettered", "key", item.Key, "attempts", item.Attempts, "last_error", msg)
	return entry, nil
}

// List returns every dead-letter entry, oldest first.
func (m *Manager) List(ctx context.Context) ([]*types.DeadLetterEntry, error) {
	entries, err := m.store.ListDeadLetter(ctx)
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	return entries, nil
}

// Get returns the entry for key, or storage.ErrNotFound.
func (m *Manager) Get(ctx context.Context, key string) (*types.DeadLetterEntry, error) {
	return m.store.GetDeadLetter(ctx, key)
}

// Len returns the number of dead-lettered keys.
func (m *Manager) Len(ctx context.Context) (int, error) {
	entries, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Reenqueue moves key out of the dead-letter set and back into the queue with
// its last priority and zero attempts. Returns storage.ErrNotFound when key is
// not dead-lettered.
func (m *Manager) Reenqueue(ctx context.Context, key string) error {
	entry, err := m.store.GetDeadLetter(ctx, key)
	if err != nil {
		return fmt.Errorf("dlq: reenqueue %q: %w", key, err)
	}
	// A crash inside MoveToDeadLetter can leave a queue record next to the
	// entry. The entry still suppresses enqueues, so nothing new can land
	// there before it is cleared, and the key restarts from zero attempts.
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("dlq: reenqueue %q: clear queue record: %w", key, err)
	}
	if err := m.store.DeleteDeadLetter(ctx, key); err != nil {
		return fmt.Errorf("dlq: reenqueue %q: %w", key, err)
	}

	if _, err := m.enqueuer.Enqueue(ctx, key, entry.Priority); err != nil {
		// Put the entry back so the key is not silently dropped.
		if rerr := m.store.PutDeadLetter(ctx, entry); rerr != nil {
			m.log.Error("dlq: restore entry after failed reenqueue", "key", key, "err", rerr)
		}
		return fmt.Errorf("dlq: reenqueue %q: %w", key, err)
	}

	m.metrics.Reenqueued.Inc("")
	m.log.Info("reenqueued", "key", key, "priority", entry.Priority)
	return nil
}

// ReenqueueAll re-enqueues every dead-lettered key. It keeps going past
// individual failures and returns how many succeeded plus the joined errors.
func (m *Manager) ReenqueueAll(ctx context.Context) (int, error) {
	entries, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, e := range entries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		err := m.Reenqueue(ctx, e.Key)
		switch {
		case err == nil:
			n++
		case errors.Is(err, storage.ErrNotFound):
			// Re-enqueued concurrently by someone else.
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}
