// Package broker wires the levelq components of one process together.
//
// Transports (HTTP, WebSocket, CLI through the HTTP API) talk to the Broker,
// never to the store directly.
//
//	Enqueue  → queue.Receiver → storage.Store
//	Run      → dispatcher.Dispatcher → reconciler.Reconciler
//	         → dlq.Manager (on exhaustion)
//	Subscribe ← dispatcher events
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/levelq/internal/backoff"
	"github.com/snehjoshi/levelq/internal/config"
	"github.com/snehjoshi/levelq/internal/dispatcher"
	"github.com/snehjoshi/levelq/internal/dlq"
	"github.com/snehjoshi/levelq/internal/metrics"
	"github.com/snehjoshi/levelq/internal/node"
	"github.com/snehjoshi/levelq/internal/queue"
	"github.com/snehjoshi/levelq/internal/reconciler"
	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/types"
)

// ErrNoDispatcher is returned by Run when the process role has no dispatcher.
var ErrNoDispatcher = errors.New("broker: role runs no dispatcher")

// Stats is the number of keys in each lifecycle state.
type Stats struct {
	Queued       int64 `json:"queued"`
	Leased       int64 `json:"leased"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry shared by every component. The
// registry's depth gauge is fed from Stats.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Broker is the single façade used by every transport layer.
// All methods are safe for concurrent use.
type Broker struct {
	cfg  *config.Config
	node *node.Node

	store      storage.Store
	receiver   *queue.Receiver
	dlqMgr     *dlq.Manager
	dispatcher *dispatcher.Dispatcher // nil unless the role runs one

	hub     *hub
	metrics *metrics.Registry
	log     *slog.Logger
	now     func() time.Time
}

// New builds a Broker over store. rec is required when cfg.Node.Role runs a
// dispatcher and ignored otherwise. The Broker takes ownership of store.
func New(cfg *config.Config, n *node.Node, store storage.Store, rec reconciler.Reconciler, opts ...Option) (*Broker, error) {
	b := &Broker{
		cfg:     cfg,
		node:    n,
		store:   store,
		hub:     newHub(),
		metrics: new(metrics.Registry),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}

	retry := RetryPolicy(cfg)
	b.receiver = queue.New(store,
		queue.WithClock(b.now),
		queue.WithLogger(b.log),
		queue.WithMetrics(b.metrics),
		queue.WithRetryPolicy(retry),
	)
	b.dlqMgr = dlq.NewManager(store, b.receiver,
		dlq.WithClock(b.now),
		dlq.WithLogger(b.log),
		dlq.WithMetrics(b.metrics),
	)

	if cfg.Node.Role.RunsDispatcher() {
		if rec == nil {
			return nil, fmt.Errorf("broker: role %q needs a reconciler", cfg.Node.Role)
		}
		w := cfg.Workqueue
		d, err := dispatcher.New(store, b.dlqMgr, rec, dispatcher.Config{
			Owner:          n.LeaseOwner(),
			ConcurrentWork: w.ConcurrentWork,
			MaxRetry:       w.MaxRetry,
			LeaseDuration:  w.LeaseDuration,
			RequestTimeout: w.RequestTimeout,
			PollInterval:   w.PollInterval,
			Backoff: backoff.NewJitter(
				backoff.NewExponential(w.BackoffBase, w.BackoffCap),
				w.BackoffJitter, w.BackoffCap,
			),
		},
			dispatcher.WithClock(b.now),
			dispatcher.WithLogger(b.log),
			dispatcher.WithMetrics(b.metrics),
			dispatcher.WithRetryPolicy(retry),
			dispatcher.WithEventHandler(b.hub.publish),
		)
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
		b.dispatcher = d
	}

	b.metrics.SetDepthFunc(func(ctx context.Context) (metrics.Depth, error) {
		s, err := b.Stats(ctx)
		if err != nil {
			return metrics.Depth{}, err
		}
		return metrics.Depth{Queued: s.Queued, Leased: s.Leased, DeadLettered: s.DeadLettered}, nil
	})
	return b, nil
}

// Run drives the dispatcher until ctx is done and in-flight work has been
// recorded. It returns ErrNoDispatcher for receiver-only roles.
func (b *Broker) Run(ctx context.Context) error {
	if b.dispatcher == nil {
		return ErrNoDispatcher
	}
	return b.dispatcher.Run(ctx)
}

// Close closes event subscriptions and the store. Call it after Run returns.
func (b *Broker) Close() error {
	b.hub.closeAll()
	return b.store.Close()
}

// NodeID returns this process's instance id.
func (b *Broker) NodeID() string { return b.node.ID().String() }

// Role returns the configured process role.
func (b *Broker) Role() config.Role { return b.cfg.Node.Role }

// Metrics returns the shared registry.
func (b *Broker) Metrics() *metrics.Registry { return b.metrics }

// Dispatcher returns the dispatcher, or nil for receiver-only roles.
func (b *Broker) Dispatcher() *dispatcher.Dispatcher { return b.dispatcher }

// ─── Queue ────────────────────────────────────────────────────────────────────

// Enqueue records that key needs reconciling.
func (b *Broker) Enqueue(ctx context.Context, key string, priority int) (queue.Outcome, error) {
	return b.receiver.Enqueue(ctx, key, priority)
}

// ListQueue returns queue items in dispatch order. With eligibleOnly only
// items a dispatcher could claim right now are returned.
func (b *Broker) ListQueue(ctx context.Context, eligibleOnly bool, limit int) ([]*types.QueueItem, error) {
	return b.store.List(ctx, storage.Filter{Now: b.now(), EligibleOnly: eligibleOnly, Limit: limit})
}

// Stats counts keys by state. It reads the whole queue, so callers should not
// invoke it on a hot path.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	items, err := b.store.List(ctx, storage.Filter{})
	if err != nil {
		return Stats{}, fmt.Errorf("broker: stats: %w", err)
	}
	dl, err := b.dlqMgr.Len(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("broker: stats: %w", err)
	}

	now := b.now()
	s := Stats{DeadLettered: int64(dl)}
	for _, it := range items {
		if it.Leased(now) {
			s.Leased++
		} else {
			s.Queued++
		}
	}
	return s, nil
}

// ─── Dead letter ──────────────────────────────────────────────────────────────

// ListDeadLetter returns every dead-letter entry, oldest first.
func (b *Broker) ListDeadLetter(ctx context.Context) ([]*types.DeadLetterEntry, error) {
	return b.dlqMgr.List(ctx)
}

// ReenqueueDeadLetter moves key out of the dead letter and back into the
// queue. It returns storage.ErrNotFound when key is not dead-lettered.
func (b *Broker) ReenqueueDeadLetter(ctx context.Context, key string) error {
	return b.dlqMgr.Reenqueue(ctx, key)
}

// ReenqueueAllDeadLetter re-enqueues every dead-lettered key and returns how
// many were moved.
func (b *Broker) ReenqueueAllDeadLetter(ctx context.Context) (int, error) {
	return b.dlqMgr.ReenqueueAll(ctx)
}

// ─── Events ───────────────────────────────────────────────────────────────────

// Subscribe returns a channel of dispatcher events and a function that ends
// the subscription. Events are dropped for a subscriber whose buffer is full.
func (b *Broker) Subscribe(buf int) (<-chan dispatcher.Event, func()) {
	return b.hub.subscribe(buf)
}

// DroppedEvents returns how many events were dropped across all subscribers.
func (b *Broker) DroppedEvents() uint64 { return b.hub.dropped.Load() }
