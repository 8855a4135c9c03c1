package bolt_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/storage/bolt"
	"github.com/snehjoshi/levelq/internal/storage/storagetest"
	"github.com/snehjoshi/levelq/internal/types"
)

func openTemp(t *testing.T) storage.Store {
	t.Helper()
	s, err := bolt.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	return s
}

func TestBoltStore_Conformance(t *testing.T) {
	storagetest.Run(t, openTemp)
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 2, 2, 2, 2_000_000, time.UTC)

	s, err := bolt.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = s.Upsert(ctx, "persist", func(it *types.QueueItem, _ bool) (storage.Op, error) {
		it.Priority = 4
		it.EnqueuedAt = now
		it.NotBefore = now
		return storage.OpPut, nil
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.PutDeadLetter(ctx, &types.DeadLetterEntry{Key: "dead", DeadLetteredAt: now}); err != nil {
		t.Fatalf("PutDeadLetter: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := bolt.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	got, err := s2.Get(ctx, "persist")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Priority != 4 || !got.EnqueuedAt.Equal(now) {
		t.Errorf("item after reopen = %+v", got)
	}
	if _, err := s2.GetDeadLetter(ctx, "dead"); err != nil {
		t.Errorf("dead letter after reopen: %v", err)
	}
}
