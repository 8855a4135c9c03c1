// Package shard provides a storage.Store that consistently distributes keys
// across N backend stores.
//
// Keys are assigned to shards using FNV-1a hashing:
//
//	hash(key) % len(backends) -> shard index
//
// The same key always routes to the same backend, so the CAS guarantees of
// each backend carry over unchanged. List and ListDeadLetter fan out to every
// shard and merge the results into the usual ordering.
package shard

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/types"
)

var _ storage.Store = (*Store)(nil)

// Store routes every call to one of its backends.
type Store struct {
	backends []storage.Store
}

// New returns a sharded store over backends. The order of backends is part of
// the routing function: reordering them moves keys between shards.
func New(backends ...storage.Store) (*Store, error) {
	if len(backends) == 0 {
		return nil, errors.New("shard: at least one backend is required")
	}
	return &Store{backends: backends}, nil
}

// Index returns the shard index for key.
func Index(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (s *Store) pick(key string) storage.Store {
	return s.backends[Index(key, len(s.backends))]
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (*types.QueueItem, error) {
	return s.pick(key).Get(ctx, key)
}

// Upsert implements storage.Store.
func (s *Store) Upsert(ctx context.Context, key string, fn storage.MutateFunc) (*types.QueueItem, error) {
	return s.pick(key).Upsert(ctx, key, fn)
}

// List implements storage.Store.
func (s *Store) List(ctx context.Context, f storage.Filter) ([]*types.QueueItem, error) {
	parts := make([][]*types.QueueItem, len(s.backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range s.backends {
		g.Go(func() error {
			items, err := b.List(gctx, f)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			parts[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []*types.QueueItem
	for _, p := range parts {
		merged = append(merged, p...)
	}
	return f.Apply(merged), nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.pick(key).Delete(ctx, key)
}

// PutDeadLetter implements storage.Store.
func (s *Store) PutDeadLetter(ctx context.Context, e *types.DeadLetterEntry) error {
	return s.pick(e.Key).PutDeadLetter(ctx, e)
}

// GetDeadLetter implements storage.Store.
func (s *Store) GetDeadLetter(ctx context.Context, key string) (*types.DeadLetterEntry, error) {
	return s.pick(key).GetDeadLetter(ctx, key)
}

// ListDeadLetter implements storage.Store.
func (s *Store) ListDeadLetter(ctx context.Context) ([]*types.DeadLetterEntry, error) {
	parts := make([][]*types.DeadLetterEntry, len(s.backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range s.backends {
		g.Go(func() error {
			entries, err := b.ListDeadLetter(gctx)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			parts[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []*types.DeadLetterEntry
	for _, p := range parts {
		merged = append(merged, p...)
	}
	storage.SortDeadLetters(merged)
	return merged, nil
}

// DeleteDeadLetter implements storage.Store.
func (s *Store) DeleteDeadLetter(ctx context.Context, key string) error {
	return s.pick(key).DeleteDeadLetter(ctx, key)
}

// Close closes every backend and returns the joined errors.
func (s *Store) Close() error {
	var errs []error
	for _, b := range s.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
