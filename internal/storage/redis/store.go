// Package redis implements storage.Store on Redis. Every queue record is a
// string key holding a CBOR-encoded storage.Record; Upsert runs inside
// WATCH/MULTI/EXEC so a concurrent write to the key aborts the transaction and
// surfaces as storage.ErrConflict. Two Sets index the live key hashes so List
// does not need SCAN.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/types"
)

var _ storage.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix overrides the "levelq:" key prefix.
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithOwnedClient makes Close close the Redis client too.
func WithOwnedClient() Option {
	return func(s *Store) { s.ownsClient = true }
}

// Store implements storage.Store backed by Redis.
type Store struct {
	client     goredis.UniversalClient
	prefix     string
	ownsClient bool
	logger     *slog.Logger
}

// New creates a Redis-backed store. The caller owns the client lifecycle
// unless WithOwnedClient is given.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial connects to the Redis server at addr and returns a store that owns the
// connection.
func Dial(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	s := New(client, append(opts, WithOwnedClient())...)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Close releases the client when the store owns it.
func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// unavailable wraps a Redis transport error.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", storage.ErrUnavailable, op, err)
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (*types.QueueItem, error) {
	val, err := s.client.Get(ctx, s.queueKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	rec, err := storage.DecodeRecord(val)
	if err != nil {
		return nil, err
	}
	return rec.Item, nil
}

// Upsert implements storage.Store.
func (s *Store) Upsert(ctx context.Context, key string, fn storage.MutateFunc) (*types.QueueItem, error) {
	rk := s.queueKey(key)
	hash := storage.KeyHash(key)

	var (
		result *types.QueueItem
		fnErr  error
	)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		var rec storage.Record
		exists := false
		val, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return err
		default:
			if rec, err = storage.DecodeRecord(val); err != nil {
				return err
			}
			exists = true
		}

		item := &types.QueueItem{Key: key}
		if exists {
			item = rec.Item.Clone()
		}
		op, err := fn(item, exists)
		if err != nil {
			fnErr = err
			return err
		}
		item.Key = key

		switch op {
		case storage.OpNone:
			if exists {
				result = rec.Item
			}
			return nil
		case storage.OpDelete:
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Del(ctx, rk)
				pipe.SRem(ctx, s.queueIndexKey(), hash)
				return nil
			})
			return err
		default:
			enc, err := storage.EncodeRecord(storage.Record{Version: rec.Version + 1, Item: item})
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, rk, enc, 0)
				pipe.SAdd(ctx, s.queueIndexKey(), hash)
				return nil
			})
			if err == nil {
				result = item
			}
			return err
		}
	}, rk)

	switch {
	case fnErr != nil:
		return nil, fnErr
	case errors.Is(err, goredis.TxFailedErr):
		return nil, fmt.Errorf("redis: upsert %q: %w", key, storage.ErrConflict)
	case errors.Is(err, storage.ErrCorrupted):
		return nil, err
	case err != nil:
		return nil, unavailable("upsert", err)
	}
	return result, nil
}

// List implements storage.Store.
func (s *Store) List(ctx context.Context, f storage.Filter) ([]*types.QueueItem, error) {
	hashes, err := s.client.SMembers(ctx, s.queueIndexKey()).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = s.queueKeyForHash(h)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("list mget", err)
	}

	items := make([]*types.QueueItem, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Deleted between SMEMBERS and MGET.
			continue
		}
		rec, derr := storage.DecodeRecord([]byte(raw))
		if derr != nil {
			s.logger.Warn("redis: skipping corrupted record", "key", keys[i], "err", derr)
			continue
		}
		items = append(items, rec.Item)
	}
	return f.Apply(items), nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.queueKey(key))
	pipe.SRem(ctx, s.queueIndexKey(), storage.KeyHash(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// PutDeadLetter implements storage.Store.
func (s *Store) PutDeadLetter(ctx context.Context, e *types.DeadLetterEntry) error {
	enc, err := storage.EncodeDeadLetter(storage.DeadLetterRecord{Version: 1, Entry: e})
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.deadLetterKey(e.Key), enc, 0)
	pipe.SAdd(ctx, s.deadLetterIndexKey(), storage.KeyHash(e.Key))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("put dead letter", err)
	}
	return nil
}

// GetDeadLetter implements storage.Store.
func (s *Store) GetDeadLetter(ctx context.Context, key string) (*types.DeadLetterEntry, error) {
	val, err := s.client.Get(ctx, s.deadLetterKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get dead letter", err)
	}
	rec, err := storage.DecodeDeadLetter(val)
	if err != nil {
		return nil, err
	}
	return rec.Entry, nil
}

// ListDeadLetter implements storage.Store.
func (s *Store) ListDeadLetter(ctx context.Context) ([]*types.DeadLetterEntry, error) {
	hashes, err := s.client.SMembers(ctx, s.deadLetterIndexKey()).Result()
	if err != nil {
		return nil, unavailable("list dead letter", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = s.deadLetterKeyForHash(h)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("list dead letter mget", err)
	}

	entries := make([]*types.DeadLetterEntry, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, derr := storage.DecodeDeadLetter([]byte(raw))
		if derr != nil {
			s.logger.Warn("redis: skipping corrupted dead letter", "key", keys[i], "err", derr)
			continue
		}
		entries = append(entries, rec.Entry)
	}
	storage.SortDeadLetters(entries)
	return entries, nil
}

// DeleteDeadLetter implements storage.Store.
func (s *Store) DeleteDeadLetter(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.deadLetterKey(key))
	pipe.SRem(ctx, s.deadLetterIndexKey(), storage.KeyHash(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete dead letter", err)
	}
	if del.Val() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
