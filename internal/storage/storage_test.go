package storage_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/types"
)

func TestKeyHash_StableAndDistinct(t *testing.T) {
	a1 := storage.KeyHash("https://github.com/org/repo/pull/1")
	a2 := storage.KeyHash("https://github.com/org/repo/pull/1")
	b := storage.KeyHash("https://github.com/org/repo/pull/2")

	if a1 != a2 {
		t.Fatal("KeyHash must be deterministic")
	}
	if a1 == b {
		t.Fatal("distinct keys must hash differently")
	}
	if len(a1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a1))
	}
	if !strings.HasPrefix(storage.QueuePath("x"), "queue/") {
		t.Errorf("QueuePath = %q", storage.QueuePath("x"))
	}
	if !strings.HasPrefix(storage.DeadLetterPath("x"), "dead-letter/") {
		t.Errorf("DeadLetterPath = %q", storage.DeadLetterPath("x"))
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	in := storage.Record{Version: 7, Item: &types.QueueItem{
		Key:            "k",
		Priority:       -3,
		EnqueuedAt:     now,
		Attempts:       2,
		NotBefore:      now.Add(time.Second),
		LeaseOwner:     "owner",
		LeaseExpiresAt: now.Add(time.Minute),
		PendingRecheck: true,
	}}

	b, err := storage.EncodeRecord(in)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	out, err := storage.DecodeRecord(b)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if out.Version != 7 || out.Item.Key != "k" || out.Item.Priority != -3 || !out.Item.PendingRecheck {
		t.Errorf("decoded = %+v", out.Item)
	}
	if !out.Item.EnqueuedAt.Equal(now) || !out.Item.LeaseExpiresAt.Equal(now.Add(time.Minute)) {
		t.Errorf("timestamps lost precision: %v %v", out.Item.EnqueuedAt, out.Item.LeaseExpiresAt)
	}

	if _, err := storage.DecodeRecord([]byte{0xff, 0x00}); !errors.Is(err, storage.ErrCorrupted) {
		t.Errorf("garbage decode: want ErrCorrupted, got %v", err)
	}
}

func TestFilter_ApplyOrdersByPriorityThenAge(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []*types.QueueItem{
		{Key: "low-old", Priority: 1, EnqueuedAt: base},
		{Key: "high-new", Priority: 5, EnqueuedAt: base.Add(2 * time.Second)},
		{Key: "high-old", Priority: 5, EnqueuedAt: base.Add(time.Second)},
		{Key: "future", Priority: 9, EnqueuedAt: base, NotBefore: base.Add(time.Hour)},
		{Key: "leased", Priority: 9, EnqueuedAt: base, LeaseOwner: "x", LeaseExpiresAt: base.Add(time.Hour)},
	}

	got := storage.Filter{Now: base.Add(time.Minute), EligibleOnly: true}.Apply(items)
	want := []string{"high-old", "high-new", "low-old"}
	if len(got) != len(want) {
		t.Fatalf("Apply returned %d items, want %d", len(got), len(want))
	}
	for i, k := range want {
		if got[i].Key != k {
			t.Errorf("position %d: got %s, want %s", i, got[i].Key, k)
		}
	}
}

// flakyStore fails Upsert with a fixed error a set number of times.
type flakyStore struct {
	storage.Store
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Upsert(_ context.Context, key string, fn storage.MutateFunc) (*types.QueueItem, error) {
	f.calls++
	it := &types.QueueItem{Key: key}
	if _, err := fn(it, false); err != nil {
		return nil, err
	}
	if f.calls <= f.failures {
		return nil, f.err
	}
	return it, nil
}

func fastPolicy(n int) storage.RetryPolicy {
	return storage.RetryPolicy{Attempts: n, MinDelay: time.Microsecond, MaxDelay: 2 * time.Microsecond}
}

func TestUpsertWithRetry_RetriesConflicts(t *testing.T) {
	fs := &flakyStore{failures: 2, err: storage.ErrConflict}
	put := func(*types.QueueItem, bool) (storage.Op, error) { return storage.OpPut, nil }

	if _, err := storage.UpsertWithRetry(context.Background(), fs, "k", put, fastPolicy(5)); err != nil {
		t.Fatalf("UpsertWithRetry: %v", err)
	}
	if fs.calls != 3 {
		t.Errorf("calls = %d, want 3", fs.calls)
	}
}

func TestUpsertWithRetry_ExhaustionIsUnavailable(t *testing.T) {
	fs := &flakyStore{failures: 100, err: storage.ErrConflict}
	put := func(*types.QueueItem, bool) (storage.Op, error) { return storage.OpPut, nil }

	_, err := storage.UpsertWithRetry(context.Background(), fs, "k", put, fastPolicy(3))
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
	if fs.calls != 3 {
		t.Errorf("calls = %d, want 3", fs.calls)
	}
}

func TestUpsertWithRetry_MutateErrorIsNotRetried(t *testing.T) {
	fs := &flakyStore{}
	abort := errors.New("abort")
	fn := func(*types.QueueItem, bool) (storage.Op, error) { return storage.OpNone, abort }

	_, err := storage.UpsertWithRetry(context.Background(), fs, "k", fn, fastPolicy(5))
	if !errors.Is(err, abort) {
		t.Fatalf("want abort error, got %v", err)
	}
	if fs.calls != 1 {
		t.Errorf("calls = %d, want 1", fs.calls)
	}
}

func TestUpsertWithRetry_MutateConflictIsNotRetried(t *testing.T) {
	fs := &flakyStore{}
	fn := func(*types.QueueItem, bool) (storage.Op, error) { return storage.OpNone, storage.ErrConflict }

	_, err := storage.UpsertWithRetry(context.Background(), fs, "k", fn, fastPolicy(5))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	if fs.calls != 1 {
		t.Errorf("calls = %d, want 1", fs.calls)
	}
}
