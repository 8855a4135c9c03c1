// Package dispatcher claims eligible keys from the shared store, runs the
// reconciler for each under a bounded worker pool, and resolves the outcome.
//
// There is no coordination between dispatchers beyond the store's CAS upsert:
// a claim writes a lease (owner + expiry) and every later write by the worker
// first checks that the lease it took is still the one stored. A worker that
// crashes simply stops writing; its lease expires and the key becomes eligible
// for any instance again.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/snehjoshi/levelq/internal/backoff"
	"github.com/snehjoshi/levelq/internal/dlq"
	"github.com/snehjoshi/levelq/internal/metrics"
	"github.com/snehjoshi/levelq/internal/queue"
	"github.com/snehjoshi/levelq/internal/reconciler"
	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/types"
)

var (
	// ErrLeaseLost means the stored lease no longer matches the one a worker
	// took: it expired and another instance reclaimed the key. The worker's
	// outcome is discarded.
	ErrLeaseLost = errors.New("dispatcher: lease lost")

	// ErrMaxRetriesExceeded is the terminal reason recorded when a key is
	// dead-lettered.
	ErrMaxRetriesExceeded = errors.New("dispatcher: max retries exceeded")
)

// TracerName is the instrumentation scope used for process spans.
const TracerName = "github.com/snehjoshi/levelq/internal/dispatcher"

// Config tunes a Dispatcher.
type Config struct {
	// Owner is written into the lease of every claimed item. It must be unique
	// per process; node.Node.LeaseOwner provides one.
	Owner string

	// ConcurrentWork bounds the number of keys processed at once.
	ConcurrentWork int

	// MaxRetry is the number of failures tolerated; the next one dead-letters.
	MaxRetry int

	// LeaseDuration must exceed the worst-case processing time or keys are
	// reclaimed (and processed twice) while still running.
	LeaseDuration time.Duration

	// RequestTimeout cancels a reconciler call; cancellation counts as failure.
	RequestTimeout time.Duration

	// PollInterval is the pause between polls in Run.
	PollInterval time.Duration

	// Backoff computes NotBefore after a failure. Nil means
	// backoff.DefaultStrategy().
	Backoff backoff.Strategy
}

func (c Config) validate() error {
	switch {
	case c.Owner == "":
		return errors.New("dispatcher: owner must not be empty")
	case c.ConcurrentWork < 1:
		return errors.New("dispatcher: concurrent work must be at least 1")
	case c.MaxRetry < 0:
		return errors.New("dispatcher: max retry must be >= 0")
	case c.LeaseDuration <= 0, c.RequestTimeout <= 0, c.PollInterval <= 0:
		return errors.New("dispatcher: lease duration, request timeout and poll interval must be positive")
	}
	return nil
}

// Dispatcher polls one store. Several dispatchers, in one process or many,
// may share a store.
type Dispatcher struct {
	store   storage.Store
	dlq     *dlq.Manager
	rec     reconciler.Reconciler
	cfg     Config
	retry   storage.RetryPolicy
	now     func() time.Time
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Registry
	onEvent func(Event)

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithTracer sets the tracer used for process spans.
func WithTracer(t trace.Tracer) Option { return func(d *Dispatcher) { d.tracer = t } }

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithRetryPolicy sets the CAS retry policy for resolving writes.
func WithRetryPolicy(p storage.RetryPolicy) Option { return func(d *Dispatcher) { d.retry = p } }

// WithEventHandler registers fn to receive every outcome. fn is called from
// worker goroutines and must not block.
func WithEventHandler(fn func(Event)) Option { return func(d *Dispatcher) { d.onEvent = fn } }

// New returns a Dispatcher.
func New(store storage.Store, dl *dlq.Manager, rec reconciler.Reconciler, cfg Config, opts ...Option) (*Dispatcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.DefaultStrategy()
	}
	d := &Dispatcher{
		store:   store,
		dlq:     dl,
		rec:     rec,
		cfg:     cfg,
		retry:   storage.DefaultRetryPolicy(),
		now:     time.Now,
		log:     slog.Default(),
		tracer:  otel.Tracer(TracerName),
		metrics: new(metrics.Registry),
		onEvent: func(Event) {},
		sem:     semaphore.NewWeighted(int64(cfg.ConcurrentWork)),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Owner returns the lease owner this dispatcher claims with.
func (d *Dispatcher) Owner() string { return d.cfg.Owner }

// Run polls every PollInterval until ctx is done, then waits for in-flight
// workers. Workers are not cancelled by ctx; each finishes within
// RequestTimeout and records its outcome.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher starting",
		"owner", d.cfg.Owner,
		"concurrent_work", d.cfg.ConcurrentWork,
		"max_retry", d.cfg.MaxRetry,
		"lease_duration", d.cfg.LeaseDuration,
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, storage.ErrUnavailable) {
				d.log.Warn("dispatcher: store unavailable, skipping cycle", "err", err)
			} else {
				d.log.Error("dispatcher: poll", "err", err)
			}
		}

		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping, waiting for workers", "owner", d.cfg.Owner)
			d.Wait()
			d.log.Info("dispatcher stopped", "owner", d.cfg.Owner)
			return nil
		case <-ticker.C:
		}
	}
}

// Wait blocks until every worker started so far has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Poll runs one cycle: list eligible items and claim as many as there are free
// worker slots. It returns the number of keys claimed. A listing failure
// claims nothing and is returned; the next cycle tries again.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	if !d.sem.TryAcquire(1) {
		return 0, nil
	}
	held := true
	defer func() {
		if held {
			d.sem.Release(1)
		}
	}()

	now := types.Timestamp(d.now())
	candidates, err := d.store.List(ctx, storage.Filter{
		Now:          now,
		EligibleOnly: true,
		Limit:        2 * d.cfg.ConcurrentWork,
	})
	if err != nil {
		return 0, fmt.Errorf("dispatcher: list: %w", err)
	}

	claimed := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if !held {
			if !d.sem.TryAcquire(1) {
				break
			}
			held = true
		}

		item, err := d.claim(ctx, c.Key)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				d.metrics.ClaimConflicts.Inc("")
				d.log.Debug("claim lost", "key", c.Key)
				continue
			}
			if errors.Is(err, storage.ErrUnavailable) {
				return claimed, err
			}
			d.log.Warn("claim", "key", c.Key, "err", err)
			continue
		}
		if item == nil {
			// Dead-lettered; the stale record was dropped.
			continue
		}

		claimed++
		held = false
		d.wg.Add(1)
		go d.work(ctx, item)
	}
	return claimed, nil
}

// claim leases key to this dispatcher. It returns ErrConflict when the key was
// claimed, changed or removed since it was listed, and (nil, nil) when the key
// turned out to be dead-lettered.
func (d *Dispatcher) claim(ctx context.Context, key string) (*types.QueueItem, error) {
	now := types.Timestamp(d.now())
	item, err := d.store.Upsert(ctx, key, func(it *types.QueueItem, exists bool) (storage.Op, error) {
		if !exists || !it.Eligible(now) {
			return storage.OpNone, storage.ErrConflict
		}
		it.LeaseOwner = d.cfg.Owner
		it.LeaseExpiresAt = now.Add(d.cfg.LeaseDuration)
		// This attempt observes every event merged so far.
		it.PendingRecheck = false
		return storage.OpPut, nil
	})
	if err != nil {
		return nil, err
	}

	_, err = d.store.GetDeadLetter(ctx, key)
	switch {
	case err == nil:
		if err := d.store.Delete(ctx, key); err != nil {
			d.log.Warn("drop record of dead-lettered key", "key", key, "err", err)
		}
		d.emit(Event{Type: EventDiscarded, Key: key, Attempts: item.Attempts}, types.StateUnqueued)
		return nil, nil
	case !errors.Is(err, storage.ErrNotFound):
		// Hand the key back rather than hold it for a whole lease.
		if _, rerr := d.resolve(ctx, item, func(it *types.QueueItem, _ time.Time) storage.Op {
			it.ClearLease()
			return storage.OpPut
		}); rerr != nil {
			d.log.Warn("release after failed dead-letter check", "key", key, "err", rerr)
		}
		return nil, fmt.Errorf("dispatcher: check dead letter %q: %w", key, err)
	}

	d.metrics.Claimed.Inc("")
	if wait := now.Sub(item.NotBefore); wait > 0 {
		d.metrics.ObserveWait(wait)
	}
	d.emit(Event{Type: EventClaimed, Key: key, Attempts: item.Attempts}, types.StateLeased)
	return item, nil
}

// work processes one claimed item and resolves the outcome.
func (d *Dispatcher) work(ctx context.Context, claim *types.QueueItem) {
	defer d.wg.Done()
	defer d.sem.Release(1)

	// Shutdown must not turn in-flight work into failures.
	base := context.WithoutCancel(ctx)

	err := d.process(base, claim)

	if err == nil {
		err = d.succeed(base, claim)
	} else {
		err = d.fail(base, claim, err)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrLeaseLost):
		d.metrics.LeaseLost.Inc("")
		d.log.Info("lease lost, outcome discarded", "key", claim.Key)
		d.emit(Event{Type: EventLeaseLost, Key: claim.Key, Attempts: claim.Attempts}, types.StateLeased)
	default:
		// The lease will expire and the key will be retried.
		d.log.Error("resolve", "key", claim.Key, "err", err)
	}
}

// process calls the reconciler under RequestTimeout inside a span.
func (d *Dispatcher) process(ctx context.Context, claim *types.QueueItem) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	ctx, span := d.startSpan(ctx, claim)
	start := time.Now()
	err := d.rec.Process(ctx, claim.Key)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	endSpan(span, err)

	outcome := "success"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	d.metrics.ObserveProcess(outcome, time.Since(start))
	if err != nil {
		d.metrics.Failed.Inc(outcome)
	}
	return err
}

// resolve applies mutate to key only if the stored lease is still claim's.
// mutate runs inside the CAS and may be called more than once.
func (d *Dispatcher) resolve(ctx context.Context, claim *types.QueueItem, mutate func(it *types.QueueItem, now time.Time) storage.Op) (*types.QueueItem, error) {
	return storage.UpsertWithRetry(ctx, d.store, claim.Key, func(it *types.QueueItem, exists bool) (storage.Op, error) {
		if !exists || it.LeaseOwner != claim.LeaseOwner || !it.LeaseExpiresAt.Equal(claim.LeaseExpiresAt) {
			return storage.OpNone, ErrLeaseLost
		}
		return mutate(it, types.Timestamp(d.now())), nil
	}, d.retry)
}

func (d *Dispatcher) succeed(ctx context.Context, claim *types.QueueItem) error {
	var recheck bool
	_, err := d.resolve(ctx, claim, func(it *types.QueueItem, now time.Time) storage.Op {
		recheck = it.PendingRecheck
		if !recheck {
			return storage.OpDelete
		}
		it.ClearLease()
		it.PendingRecheck = false
		it.NotBefore = now
		return storage.OpPut
	})
	if err != nil {
		return err
	}

	d.metrics.Succeeded.Inc("")
	if recheck {
		d.log.Debug("succeeded, recheck pending", "key", claim.Key)
		d.emit(Event{Type: EventRechecked, Key: claim.Key, Attempts: claim.Attempts}, types.StateQueued)
		return nil
	}
	d.log.Debug("succeeded", "key", claim.Key)
	d.emit(Event{Type: EventSucceeded, Key: claim.Key, Attempts: claim.Attempts}, types.StateUnqueued)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, claim *types.QueueItem, cause error) error {
	var (
		dead      bool
		notBefore time.Time
	)
	updated, err := d.resolve(ctx, claim, func(it *types.QueueItem, now time.Time) storage.Op {
		it.Attempts++
		dead = it.Attempts > d.cfg.MaxRetry
		if dead {
			// Keep the lease until the dead-letter entry is written.
			return storage.OpPut
		}
		it.ClearLease()
		it.PendingRecheck = false
		notBefore = now.Add(d.cfg.Backoff.Delay(it.Attempts))
		it.NotBefore = notBefore
		return storage.OpPut
	})
	if err != nil {
		return err
	}

	if !dead {
		d.metrics.Requeued.Inc("")
		d.log.Info("requeued", "key", claim.Key, "attempts", updated.Attempts, "not_before", notBefore, "err", cause)
		d.emit(Event{Type: EventRequeued, Key: claim.Key, Attempts: updated.Attempts, Error: cause.Error(), NotBefore: notBefore}, types.StateQueued)
		return nil
	}

	reason := fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, updated.Attempts, cause)
	if _, err := d.dlq.MoveToDeadLetter(ctx, updated, reason); err != nil {
		d.release(ctx, updated, cause)
		return fmt.Errorf("dispatcher: dead-letter %q: %w", claim.Key, err)
	}
	d.emit(Event{Type: EventDeadLettered, Key: claim.Key, Attempts: updated.Attempts, Error: reason.Error()}, types.StateDeadLettered)
	return nil
}

// release hands a claim back to the queue after its dead-letter write failed.
// Attempts stay as written, so the next failure dead-letters the key again.
func (d *Dispatcher) release(ctx context.Context, claim *types.QueueItem, cause error) {
	var notBefore time.Time
	_, err := d.resolve(ctx, claim, func(it *types.QueueItem, now time.Time) storage.Op {
		it.ClearLease()
		notBefore = now.Add(d.cfg.Backoff.Delay(it.Attempts))
		it.NotBefore = notBefore
		return storage.OpPut
	})
	if err != nil {
		d.log.Warn("release after dead-letter failure", "key", claim.Key, "err", err)
		return
	}
	d.metrics.Requeued.Inc("")
	d.emit(Event{Type: EventRequeued, Key: claim.Key, Attempts: claim.Attempts, Error: cause.Error(), NotBefore: notBefore}, types.StateQueued)
}

func (d *Dispatcher) emit(e Event, to types.State) {
	from := types.StateLeased
	if e.Type == EventClaimed {
		from = types.StateQueued
	}
	if e.Type != EventLeaseLost && !queue.ValidTransition(from, to) {
		d.log.Error("invalid transition", "key", e.Key, "from", from, "to", to)
	}
	e.Owner = d.cfg.Owner
	e.State = to.String()
	e.At = types.Timestamp(d.now())
	d.onEvent(e)
}
