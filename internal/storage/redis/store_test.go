package redis_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/snehjoshi/levelq/internal/storage"
	redisstore "github.com/snehjoshi/levelq/internal/storage/redis"
	"github.com/snehjoshi/levelq/internal/storage/storagetest"
	"github.com/snehjoshi/levelq/internal/types"
)

func openMini(t *testing.T) (*miniredis.Miniredis, *redisstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return mr, redisstore.New(client, redisstore.WithOwnedClient())
}

func TestRedisStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		_, s := openMini(t)
		return s
	})
}

func TestRedisStore_PrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c1 := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	c2 := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	a := redisstore.New(c1, redisstore.WithPrefix("a:"), redisstore.WithOwnedClient())
	b := redisstore.New(c2, redisstore.WithPrefix("b:"), redisstore.WithOwnedClient())
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	_, err := a.Upsert(ctx, "k", func(it *types.QueueItem, _ bool) (storage.Op, error) {
		return storage.OpPut, nil
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := b.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("prefix b must not see prefix a's record: %v", err)
	}
	if !mr.Exists("a:" + storage.QueuePath("k")) {
		t.Errorf("expected key %q in redis", "a:"+storage.QueuePath("k"))
	}
}

func TestRedisStore_UnavailableWhenServerDown(t *testing.T) {
	mr, s := openMini(t)
	t.Cleanup(func() { _ = s.Close() })
	mr.Close()

	_, err := s.Get(context.Background(), "k")
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable with server down, got %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("Ping: want ErrUnavailable, got %v", err)
	}
}
