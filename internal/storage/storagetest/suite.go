// Package storagetest holds the conformance suite every storage.Store backend
// must pass. Backend test files call Run with a constructor for a fresh, empty
// store.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/types"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) storage.Store

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

// Run executes every conformance check against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open) })
	t.Run("UpsertCreateAndUpdate", func(t *testing.T) { testUpsertCreateAndUpdate(t, open) })
	t.Run("UpsertDelete", func(t *testing.T) { testUpsertDelete(t, open) })
	t.Run("UpsertAbort", func(t *testing.T) { testUpsertAbort(t, open) })
	t.Run("UpsertConflict", func(t *testing.T) { testUpsertConflict(t, open) })
	t.Run("UpsertConflictAfterRecreate", func(t *testing.T) { testUpsertConflictAfterRecreate(t, open) })
	t.Run("ConcurrentClaimExclusion", func(t *testing.T) { testConcurrentClaim(t, open) })
	t.Run("ListOrderingAndFilter", func(t *testing.T) { testList(t, open) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open) })
	t.Run("DeadLetter", func(t *testing.T) { testDeadLetter(t, open) })
}

func openStore(t *testing.T, open Opener) storage.Store {
	t.Helper()
	s := open(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(fn func(it *types.QueueItem)) storage.MutateFunc {
	return func(it *types.QueueItem, _ bool) (storage.Op, error) {
		fn(it)
		return storage.OpPut, nil
	}
}

func seed(t *testing.T, s storage.Store, it types.QueueItem) {
	t.Helper()
	_, err := s.Upsert(context.Background(), it.Key, put(func(cur *types.QueueItem) { *cur = it }))
	if err != nil {
		t.Fatalf("seed %q: %v", it.Key, err)
	}
}

func testGetMissing(t *testing.T, open Opener) {
	s := openStore(t, open)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get missing: want ErrNotFound, got %v", err)
	}
}

func testUpsertCreateAndUpdate(t *testing.T, open Opener) {
	s := openStore(t, open)
	ctx := context.Background()

	var sawExists bool
	created, err := s.Upsert(ctx, "a/b?c", func(it *types.QueueItem, exists bool) (storage.Op, error) {
		sawExists = exists
		if it.Key != "a/b?c" {
			t.Errorf("zero item key = %q, want a/b?c", it.Key)
		}
		it.Priority = 3
		it.EnqueuedAt = base
		it.NotBefore = base
		return storage.OpPut, nil
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sawExists {
		t.Error("exists must be false on first upsert")
	}
	if created.Priority != 3 {
		t.Errorf("created priority = %d", created.Priority)
	}

	_, err = s.Upsert(ctx, "a/b?c", func(it *types.QueueItem, exists bool) (storage.Op, error) {
		if !exists {
			t.Error("exists must be true on second upsert")
		}
		it.Priority = 9
		it.PendingRecheck = true
		return storage.OpPut, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, "a/b?c")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Priority != 9 || !got.PendingRecheck || !got.EnqueuedAt.Equal(base) {
		t.Errorf("stored item = %+v", got)
	}
}

func testUpsertDelete(t *testing.T, open Opener) {
	s := openStore(t, open)
	ctx := context.Background()
	seed(t, s, types.QueueItem{Key: "gone", EnqueuedAt: base, NotBefore: base})

	out, err := s.Upsert(ctx, "gone", func(*types.QueueItem, bool) (storage.Op, error) {
		return storage.OpDelete, nil
	})
	if err != nil {
		t.Fatalf("Upsert delete: %v", err)
	}
	if out != nil {
		t.Errorf("Upsert delete returned %+v, want nil", out)
	}
	if _, err := s.Get(ctx, "gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("after delete: want ErrNotFound, got %v", err)
	}
}

func testUpsertAbort(t *testing.T, open Opener) {
	s := openStore(t, open)
	ctx := context.Background()
	seed(t, s, types.QueueItem{Key: "k", Priority: 1, EnqueuedAt: base, NotBefore: base})

	abort := errors.New("abort")
	_, err := s.Upsert(ctx, "k", func(it *types.QueueItem, _ bool) (storage.Op, error) {
		it.Priority = 100
		return storage.OpPut, abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("want abort, got %v", err)
	}
	got, _ := s.Get(ctx, "k")
	if got == nil || got.Priority != 1 {
		t.Fatalf("aborted upsert must not write, got %+v", got)
	}

	if _, err := s.Upsert(ctx, "k", func(*types.QueueItem, bool) (storage.Op, error) {
		return storage.OpNone, nil
	}); err != nil {
		t.Fatalf("OpNone: %v", err)
	}
}

// testUpsertConflict interleaves a second writer between the read and the
// write of the first one.
func testUpsertConflict(t *testing.T, open Opener) {
	s := openStore(t, open)
	ctx := context.Background()
	seed(t, s, types.QueueItem{Key: "race", EnqueuedAt: base, NotBefore: base})

	_, err := s.Upsert(ctx, "race", func(it *types.QueueItem, _ bool) (storage.Op, error) {
		if _, innerErr := s.Upsert(ctx, "race", put(func(in *types.QueueItem) { in.Priority = 42 })); innerErr != nil {
			t.Errorf("inner upsert: %v", innerErr)
		}
		it.Priority = 7
		return storage.OpPut, nil
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("outer upsert: want ErrConflict, got %v", err)
	}
	got, _ := s.Get(ctx, "race")
	if got == nil || got.Priority != 42 {
		t.Fatalf("winner's write must survive, got %+v", got)
	}

	// A create racing another create conflicts too.
	_, err = s.Upsert(ctx, "fresh", func(it *types.QueueItem, _ bool) (storage.Op, error) {
		if _, innerErr := s.Upsert(ctx, "fresh", put(func(in *types.QueueItem) { in.Priority = 1 })); innerErr != nil {
			t.Errorf("inner create: %v", innerErr)
		}
		it.Priority = 2
		return storage.OpPut, nil
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("racing create: want ErrConflict, got %v", err)
	}
}

// testUpsertConflictAfterRecreate deletes and recreates the key between the
// read and the write. The recreated record carries a different version than
// the one the outer writer read, so the stale write must be refused.
func testUpsertConflictAfterRecreate(t *testing.T, open Opener) {
	s := openStore(t, open)
	ctx := context.Background()
	seed(t, s, types.QueueItem{Key: "k", Priority: 1, EnqueuedAt: base, NotBefore: base})

	_, err := s.Upsert(ctx, "k", func(it *types.QueueItem, _ bool) (storage.Op, error) {
		if err := s.Delete(ctx, "k"); err != nil {
			t.Errorf("inner delete: %v", err)
		}
		seed(t, s, types.QueueItem{Key: "k", Priority: 99, EnqueuedAt: base, NotBefore: base})
		it.LeaseOwner = "stale-writer"
		it.LeaseExpiresAt = base.Add(time.Minute)
		return storage.OpPut, nil
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("write over recreated record: want ErrConflict, got %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Priority != 99 || got.LeaseOwner != "" {
		t.Fatalf("recreated record must survive, got %+v", got)
	}

	// Same race through an Upsert-driven delete.
	_, err = s.Upsert(ctx, "k", func(it *types.QueueItem, _ bool) (storage.Op, error) {
		if _, err := s.Upsert(ctx, "k", func(*types.QueueItem, bool) (storage.Op, error) {
			return storage.OpDelete, nil
		}); err != nil {
			t.Errorf("inner upsert delete: %v", err)
		}
		seed(t, s, types.QueueItem{Key: "k", Priority: 50, EnqueuedAt: base, NotBefore: base})
		it.Priority = 2
		return storage.OpPut, nil
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second stale write: want ErrConflict, got %v", err)
	}
	if got, _ := s.Get(ctx, "k"); got == nil || got.Priority != 50 {
		t.Fatalf("recreated record must survive, got %+v", got)
	}
}

func testConcurrentClaim(t *testing.T, open Opener) {
	s := openStore(t, open)
	ctx := context.Background()
	seed(t, s, types.QueueItem{Key: "hot", EnqueuedAt: base, NotBefore: base})

	const claimants = 8
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		start   = make(chan struct{})
		now     = base.Add(time.Second)
		badErrs = make(chan error, claimants)
	)
	for i := 0; i < claimants; i++ {
		owner := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Upsert(ctx, "hot", func(it *types.QueueItem, exists bool) (storage.Op, error) {
				if !exists || it.Leased(now) {
					return storage.OpNone, storage.ErrConflict
				}
				it.LeaseOwner = owner
				it.LeaseExpiresAt = now.Add(time.Minute)
				return storage.OpPut, nil
			})
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, storage.ErrConflict):
			default:
				badErrs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(badErrs)

	for err := range badErrs {
		t.Errorf("unexpected claim error: %v", err)
	}
	if n := won.Load(); n != 1 {
		t.Fatalf("exactly one claim must win, got %d", n)
	}
}

func testList(t *testing.T, open Opener) {
	s := openStore(t, open)
	ctx := context.Background()
	now := base.Add(time.Hour)

	seed(t, s, types.QueueItem{Key: "p1-old", Priority: 1, EnqueuedAt: base, NotBefore: base})
	seed(t, s, types.QueueItem{Key: "p5-new", Priority: 5, EnqueuedAt: base.Add(2 * time.Minute), NotBefore: base})
	seed(t, s, types.QueueItem{Key: "p5-old", Priority: 5, EnqueuedAt: base.Add(time.Minute), NotBefore: base})
	seed(t, s, types.QueueItem{Key: "backoff", Priority: 9, EnqueuedAt: base, NotBefore: now.Add(time.Minute)})
	seed(t, s, types.QueueItem{Key: "leased", Priority: 9, EnqueuedAt: base, NotBefore: base,
		LeaseOwner: "x", LeaseExpiresAt: now.Add(time.Minute)})
	seed(t, s, types.QueueItem{Key: "expired", Priority: 0, EnqueuedAt: base, NotBefore: base,
		LeaseOwner: "x", LeaseExpiresAt: now.Add(-time.Minute)})

	all, err := s.List(ctx, storage.Filter{Now: now})
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("List all: got %d items, want 6", len(all))
	}

	eligible, err := s.List(ctx, storage.Filter{Now: now, EligibleOnly: true})
	if err != nil {
		t.Fatalf("List eligible: %v", err)
	}
	want := []string{"p5-old", "p5-new", "p1-old", "expired"}
	if len(eligible) != len(want) {
		keys := make([]string, 0, len(eligible))
		for _, it := range eligible {
			keys = append(keys, it.Key)
		}
		t.Fatalf("eligible = %v, want %v", keys, want)
	}
	for i, k := range want {
		if eligible[i].Key != k {
			t.Errorf("eligible[%d] = %s, want %s", i, eligible[i].Key, k)
		}
	}

	limited, err := s.List(ctx, storage.Filter{Now: now, EligibleOnly: true, Limit: 2})
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 2 || limited[0].Key != "p5-old" {
		t.Errorf("limited list = %d items", len(limited))
	}
}

func testDelete(t *testing.T, open Opener) {
	s := openStore(t, open)
	ctx := context.Background()
	seed(t, s, types.QueueItem{Key: "d", EnqueuedAt: base, NotBefore: base})

	if err := s.Delete(ctx, "d"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "d"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("after Delete: want ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "d"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func testDeadLetter(t *testing.T, open Opener) {
	s := openStore(t, open)
	ctx := context.Background()

	if _, err := s.GetDeadLetter(ctx, "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetDeadLetter missing: want ErrNotFound, got %v", err)
	}
	if err := s.DeleteDeadLetter(ctx, "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("DeleteDeadLetter missing: want ErrNotFound, got %v", err)
	}

	second := &types.DeadLetterEntry{Key: "second", Attempts: 4, LastError: "boom",
		FirstEnqueuedAt: base, DeadLetteredAt: base.Add(2 * time.Minute)}
	first := &types.DeadLetterEntry{Key: "first", Attempts: 4, LastError: "bang",
		FirstEnqueuedAt: base, DeadLetteredAt: base.Add(time.Minute)}
	for _, e := range []*types.DeadLetterEntry{second, first} {
		if err := s.PutDeadLetter(ctx, e); err != nil {
			t.Fatalf("PutDeadLetter %s: %v", e.Key, err)
		}
	}

	got, err := s.GetDeadLetter(ctx, "second")
	if err != nil {
		t.Fatalf("GetDeadLetter: %v", err)
	}
	if got.LastError != "boom" || got.Attempts != 4 || !got.DeadLetteredAt.Equal(second.DeadLetteredAt) {
		t.Errorf("entry = %+v", got)
	}

	list, err := s.ListDeadLetter(ctx)
	if err != nil {
		t.Fatalf("ListDeadLetter: %v", err)
	}
	if len(list) != 2 || list[0].Key != "first" || list[1].Key != "second" {
		t.Fatalf("ListDeadLetter order wrong: %+v", list)
	}

	if err := s.DeleteDeadLetter(ctx, "first"); err != nil {
		t.Fatalf("DeleteDeadLetter: %v", err)
	}
	list, _ = s.ListDeadLetter(ctx)
	if len(list) != 1 {
		t.Fatalf("after delete: %d entries, want 1", len(list))
	}

	// The dead-letter namespace is independent of the queue namespace.
	if _, err := s.Get(ctx, "second"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("dead-letter entry leaked into queue namespace: %v", err)
	}
}
