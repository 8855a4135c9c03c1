package broker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/snehjoshi/levelq/internal/config"
	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/storage/bolt"
	"github.com/snehjoshi/levelq/internal/storage/postgres"
	"github.com/snehjoshi/levelq/internal/storage/redis"
	"github.com/snehjoshi/levelq/internal/storage/shard"
)

// boltFile is the store file name under node.data_dir.
const boltFile = "levelq.db"

// OpenStore opens the store selected by cfg.Store. Several endpoints (store.shards)
// are combined into a shard.Store; for bolt each shard entry is a file name under
// node.data_dir.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	endpoints, err := cfg.StoreEndpoints()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Backend == config.BackendBolt && len(cfg.Store.Shards) == 0 {
		endpoints = []string{boltFile}
	}

	opened := make([]storage.Store, 0, len(endpoints))
	closeAll := func() {
		for _, s := range opened {
			_ = s.Close()
		}
	}
	for _, ep := range endpoints {
		s, err := openOne(ctx, cfg, ep, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("broker: open %s store %q: %w", cfg.Store.Backend, ep, err)
		}
		opened = append(opened, s)
	}

	if len(opened) == 1 {
		return opened[0], nil
	}
	s, err := shard.New(opened...)
	if err != nil {
		closeAll()
		return nil, err
	}
	logger.Info("sharded store opened", "backend", cfg.Store.Backend, "shards", len(opened))
	return s, nil
}

func openOne(ctx context.Context, cfg *config.Config, endpoint string, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendBolt:
		return bolt.Open(filepath.Join(cfg.Node.DataDir, endpoint))
	case config.BackendRedis:
		opts := []redis.Option{redis.WithLogger(logger)}
		if cfg.Store.KeyPrefix != "" {
			opts = append(opts, redis.WithPrefix(cfg.Store.KeyPrefix))
		}
		return redis.Dial(ctx, endpoint, opts...)
	case config.BackendPostgres:
		return postgres.Open(ctx, endpoint, postgres.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Store.Backend)
	}
}

// RetryPolicy converts store.retry into a storage.RetryPolicy.
func RetryPolicy(cfg *config.Config) storage.RetryPolicy {
	r := cfg.Store.Retry
	p := storage.DefaultRetryPolicy()
	if r.Attempts > 0 {
		p.Attempts = r.Attempts
	}
	if r.MinDelay > 0 {
		p.MinDelay = r.MinDelay
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	return p
}

// openTimeout bounds connecting to a shared backend at startup.
const openTimeout = 10 * time.Second
