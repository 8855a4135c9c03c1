package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/levelq/internal/metrics"
	"github.com/snehjoshi/levelq/internal/queue"
	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/storage/bolt"
	"github.com/snehjoshi/levelq/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := bolt.Open(filepath.Join(t.TempDir(), "levelq.db"))
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustGet(t *testing.T, s storage.Store, key string) *types.QueueItem {
	t.Helper()
	it, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return it
}

// conflictStore fails every Upsert with ErrConflict.
type conflictStore struct {
	storage.Store
}

func (conflictStore) Upsert(context.Context, string, storage.MutateFunc) (*types.QueueItem, error) {
	return nil, storage.ErrConflict
}

// ─── Receiver tests ──────────────────────────────────────────────────────────

func TestEnqueue_CreatesItem(t *testing.T) {
	s := openStore(t)
	clk := newClock()
	r := queue.New(s, queue.WithClock(clk.Now))

	out, err := r.Enqueue(context.Background(), "repo/a#1", 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if out != queue.OutcomeCreated {
		t.Fatalf("outcome: want created, got %s", out)
	}

	it := mustGet(t, s, "repo/a#1")
	if it.Priority != 3 || it.Attempts != 0 {
		t.Errorf("item: want priority 3 attempts 0, got %d/%d", it.Priority, it.Attempts)
	}
	if !it.EnqueuedAt.Equal(clk.Now()) || !it.NotBefore.Equal(clk.Now()) {
		t.Errorf("timestamps: want %v, got enqueued %v notBefore %v", clk.Now(), it.EnqueuedAt, it.NotBefore)
	}
	if it.LeaseOwner != "" || it.PendingRecheck {
		t.Errorf("new item must be unleased and without recheck: %+v", it)
	}
}

func TestEnqueue_DedupKeepsMaxPriorityAndFirstEnqueuedAt(t *testing.T) {
	s := openStore(t)
	clk := newClock()
	r := queue.New(s, queue.WithClock(clk.Now))
	ctx := context.Background()
	first := clk.Now()

	if _, err := r.Enqueue(ctx, "A", 10); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	clk.Advance(time.Second)
	out, err := r.Enqueue(ctx, "A", 5)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if out != queue.OutcomeMerged {
		t.Fatalf("outcome: want merged, got %s", out)
	}
	clk.Advance(time.Second)
	if _, err := r.Enqueue(ctx, "A", 12); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	items, err := s.List(ctx, storage.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("want exactly one item, got %d", len(items))
	}
	if items[0].Priority != 12 {
		t.Errorf("priority: want 12, got %d", items[0].Priority)
	}
	if !items[0].EnqueuedAt.Equal(first) {
		t.Errorf("enqueuedAt: want %v, got %v", first, items[0].EnqueuedAt)
	}
}

func TestEnqueue_MergeKeepsBackoff(t *testing.T) {
	s := openStore(t)
	clk := newClock()
	r := queue.New(s, queue.WithClock(clk.Now))
	ctx := context.Background()

	backoffUntil := clk.Now().Add(time.Minute)
	_, err := s.Upsert(ctx, "B", func(it *types.QueueItem, _ bool) (storage.Op, error) {
		*it = types.QueueItem{Key: "B", Priority: 1, EnqueuedAt: clk.Now(), NotBefore: backoffUntil, Attempts: 2}
		return storage.OpPut, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	clk.Advance(time.Second)
	if _, err := r.Enqueue(ctx, "B", 4); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	it := mustGet(t, s, "B")
	if !it.NotBefore.Equal(backoffUntil) {
		t.Errorf("notBefore: want %v (unchanged), got %v", backoffUntil, it.NotBefore)
	}
	if it.Attempts != 2 {
		t.Errorf("attempts: want 2, got %d", it.Attempts)
	}
	if it.Priority != 4 {
		t.Errorf("priority: want 4, got %d", it.Priority)
	}
}

func TestEnqueue_LeasedSetsPendingRecheck(t *testing.T) {
	s := openStore(t)
	clk := newClock()
	r := queue.New(s, queue.WithClock(clk.Now))
	ctx := context.Background()

	expires := clk.Now().Add(time.Minute)
	_, err := s.Upsert(ctx, "C", func(it *types.QueueItem, _ bool) (storage.Op, error) {
		*it = types.QueueItem{
			Key: "C", Priority: 2, EnqueuedAt: clk.Now(), NotBefore: clk.Now(),
			LeaseOwner: "dispatcher-1", LeaseExpiresAt: expires,
		}
		return storage.OpPut, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := r.Enqueue(ctx, "C", 7)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if out != queue.OutcomeRecheck {
		t.Fatalf("outcome: want recheck, got %s", out)
	}

	it := mustGet(t, s, "C")
	if !it.PendingRecheck {
		t.Error("pendingRecheck must be set")
	}
	if it.Priority != 7 {
		t.Errorf("priority: want 7, got %d", it.Priority)
	}
	if it.LeaseOwner != "dispatcher-1" || !it.LeaseExpiresAt.Equal(expires) {
		t.Errorf("lease fields must be untouched: %+v", it)
	}
}

func TestEnqueue_ExpiredLeaseMergesAndGuardsLateSuccess(t *testing.T) {
	s := openStore(t)
	clk := newClock()
	r := queue.New(s, queue.WithClock(clk.Now))
	ctx := context.Background()

	_, err := s.Upsert(ctx, "D", func(it *types.QueueItem, _ bool) (storage.Op, error) {
		*it = types.QueueItem{
			Key: "D", Priority: 5, EnqueuedAt: clk.Now(), NotBefore: clk.Now(),
			LeaseOwner: "gone", LeaseExpiresAt: clk.Now().Add(time.Second),
		}
		return storage.OpPut, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	clk.Advance(2 * time.Second)
	out, err := r.Enqueue(ctx, "D", 1)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if out != queue.OutcomeMerged {
		t.Fatalf("outcome: want merged, got %s", out)
	}
	if it := mustGet(t, s, "D"); !it.PendingRecheck || it.Priority != 5 {
		t.Errorf("want pendingRecheck and priority 5, got %+v", it)
	}
}

func TestEnqueue_InvalidKey(t *testing.T) {
	r := queue.New(openStore(t))
	if _, err := r.Enqueue(context.Background(), "", 1); !errors.Is(err, queue.ErrInvalidKey) {
		t.Fatalf("want ErrInvalidKey, got %v", err)
	}
}

func TestEnqueue_SuppressedWhileDeadLettered(t *testing.T) {
	s := openStore(t)
	reg := new(metrics.Registry)
	r := queue.New(s, queue.WithMetrics(reg))
	ctx := context.Background()

	err := s.PutDeadLetter(ctx, &types.DeadLetterEntry{Key: "E", Attempts: 4, LastError: "boom"})
	if err != nil {
		t.Fatalf("PutDeadLetter: %v", err)
	}

	out, err := r.Enqueue(ctx, "E", 1)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if out != queue.OutcomeSuppressed {
		t.Fatalf("outcome: want suppressed, got %s", out)
	}
	if _, err := s.Get(ctx, "E"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("no queue item may exist for a dead-lettered key, got %v", err)
	}
	if reg.Enqueued.Value("suppressed") != 1 {
		t.Errorf("metrics: want 1 suppressed, got %d", reg.Enqueued.Value("suppressed"))
	}
}

func TestEnqueue_UnavailableAfterRetries(t *testing.T) {
	r := queue.New(conflictStore{Store: openStore(t)},
		queue.WithRetryPolicy(storage.RetryPolicy{Attempts: 3, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))

	_, err := r.Enqueue(context.Background(), "F", 1)
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestEnqueue_ConcurrentCallersOneItem(t *testing.T) {
	s := openStore(t)
	r := queue.New(s, queue.WithRetryPolicy(storage.RetryPolicy{Attempts: 64, MinDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 1; p <= 16; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Enqueue(ctx, "G", p); err != nil {
				t.Errorf("Enqueue(%d): %v", p, err)
			}
		}()
	}
	wg.Wait()

	items, err := s.List(ctx, storage.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Priority != 16 {
		t.Fatalf("want one item with priority 16, got %+v", items)
	}
}

// ─── state machine ───────────────────────────────────────────────────────────

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to types.State
		want     bool
	}{
		{types.StateUnqueued, types.StateQueued, true},
		{types.StateUnqueued, types.StateLeased, false},
		{types.StateQueued, types.StateLeased, true},
		{types.StateQueued, types.StateDeadLettered, false},
		{types.StateLeased, types.StateQueued, true},
		{types.StateLeased, types.StateUnqueued, true},
		{types.StateLeased, types.StateDeadLettered, true},
		{types.StateDeadLettered, types.StateQueued, true},
		{types.StateDeadLettered, types.StateLeased, false},
		{types.State(99), types.StateQueued, false},
	}
	for _, tc := range tests {
		if got := queue.ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
