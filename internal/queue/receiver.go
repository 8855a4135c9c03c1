// Package queue implements the receiving side of levelq: Enqueue deduplicates
// events by key and merges them into the single outstanding QueueItem through
// the store's CAS upsert.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/snehjoshi/levelq/internal/metrics"
	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/types"
)

// ErrInvalidKey is returned by Enqueue for an empty key. It is a caller error
// and never retried.
var ErrInvalidKey = errors.New("queue: invalid key")

// TracerName is the instrumentation scope used for receiver spans.
const TracerName = "github.com/snehjoshi/levelq/internal/queue"

// Outcome describes what an Enqueue did to the stored state.
type Outcome string

const (
	// OutcomeCreated: no item existed; a fresh one was written.
	OutcomeCreated Outcome = "created"
	// OutcomeMerged: an unleased item absorbed the event.
	OutcomeMerged Outcome = "merged"
	// OutcomeRecheck: the key is being processed; it will be processed again
	// once the current attempt completes.
	OutcomeRecheck Outcome = "recheck"
	// OutcomeSuppressed: the key is dead-lettered and stays there until an
	// operator re-enqueues it.
	OutcomeSuppressed Outcome = "suppressed"
)

// Receiver accepts enqueue requests. It holds no state of its own, so any
// number of receivers may share one store.
type Receiver struct {
	store   storage.Store
	retry   storage.RetryPolicy
	now     func() time.Time
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Registry
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Receiver) { r.now = now }
}

// WithRetryPolicy sets the CAS retry policy.
func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(r *Receiver) { r.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) { r.log = l }
}

// WithTracer sets the tracer used for enqueue spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Receiver) { r.tracer = t }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Receiver) { r.metrics = m }
}

// New returns a Receiver over store.
func New(store storage.Store, opts ...Option) *Receiver {
	r := &Receiver{
		store:   store,
		retry:   storage.DefaultRetryPolicy(),
		now:     time.Now,
		log:     slog.Default(),
		tracer:  otel.Tracer(TracerName),
		metrics: new(metrics.Registry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Enqueue records that key needs reconciling.
//
//   - absent: a new item with EnqueuedAt = NotBefore = now.
//   - present, unleased: priority becomes the max of both; EnqueuedAt and
//     NotBefore are kept so pending backoff is honoured.
//   - present, leased: priority max and PendingRecheck, lease untouched.
//   - dead-lettered: nothing is written.
//
// Store failures that survive the retry policy wrap storage.ErrUnavailable.
func (r *Receiver) Enqueue(ctx context.Context, key string, priority int) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "levelq.enqueue", trace.WithAttributes(
		attribute.String("levelq.key", key),
		attribute.Int("levelq.priority", priority),
	))
	defer span.End()

	out, err := r.enqueue(ctx, key, priority)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("levelq.outcome", string(out)))
	r.metrics.Enqueued.Inc(string(out))
	r.log.Debug("enqueue", "key", key, "priority", priority, "outcome", out)
	return out, nil
}

func (r *Receiver) enqueue(ctx context.Context, key string, priority int) (Outcome, error) {
	if key == "" {
		return "", ErrInvalidKey
	}

	_, err := r.store.GetDeadLetter(ctx, key)
	switch {
	case err == nil:
		return OutcomeSuppressed, nil
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("enqueue %q: check dead letter: %w", key, err)
	}

	var out Outcome
	_, err = storage.UpsertWithRetry(ctx, r.store, key, func(it *types.QueueItem, exists bool) (storage.Op, error) {
		now := types.Timestamp(r.now())
		if !exists {
			*it = types.QueueItem{
				Key:        key,
				Priority:   priority,
				EnqueuedAt: now,
				NotBefore:  now,
			}
			out = OutcomeCreated
			return storage.OpPut, nil
		}

		if it.Leased(now) {
			out = OutcomeRecheck
			if it.PendingRecheck && priority <= it.Priority {
				return storage.OpNone, nil
			}
			it.PendingRecheck = true
			it.Priority = max(it.Priority, priority)
			return storage.OpPut, nil
		}

		out = OutcomeMerged
		// The previous holder of an expired lease may still resolve it; make
		// sure a late success does not swallow this event.
		stale := it.LeaseOwner != "" && !it.PendingRecheck
		if priority <= it.Priority && !stale {
			return storage.OpNone, nil
		}
		it.Priority = max(it.Priority, priority)
		if stale {
			it.PendingRecheck = true
		}
		return storage.OpPut, nil
	}, r.retry)
	if err != nil {
		return "", fmt.Errorf("enqueue %q: %w", key, err)
	}
	return out, nil
}
