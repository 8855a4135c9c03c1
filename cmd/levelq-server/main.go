// Command levelq-server runs the levelq receiver API and/or dispatcher.
// It loads configuration, initialises node identity, opens the store, and
// serves until SIGINT or SIGTERM.
//
// Usage:
//
//	levelq-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/levelq/internal/broker"
	"github.com/snehjoshi/levelq/internal/config"
	"github.com/snehjoshi/levelq/internal/metrics"
	"github.com/snehjoshi/levelq/internal/node"
	"github.com/snehjoshi/levelq/internal/reconciler"
	transphttp "github.com/snehjoshi/levelq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "levelq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("levelq-server", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to config file")
	logLevel := flags.String("log-level", "info", "log level: debug|info|warn|error")
	_ = flags.Parse(os.Args[1:])

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	opts := []node.Option{}
	if cfg.Node.Region != "" {
		opts = append(opts, node.WithRegion(cfg.Node.Region))
	}
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID, opts...)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("levelq starting",
		"node_id", n.ID(),
		"lease_owner", n.LeaseOwner(),
		"role", cfg.Node.Role,
		"region", n.Region(),
		"backend", cfg.Store.Backend,
		"scope", cfg.Store.Scope,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 4. Open the store ────────────────────────────────────────────────────
	store, err := broker.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// ── 5. Reconciler ────────────────────────────────────────────────────────
	var rec reconciler.Reconciler
	if cfg.Node.Role.RunsDispatcher() {
		var ropts []reconciler.HTTPOption
		if cfg.Reconciler.Secret != "" {
			ropts = append(ropts, reconciler.WithSecret(cfg.Reconciler.Secret))
		}
		if rec, err = reconciler.NewHTTP(cfg.Reconciler.URL, ropts...); err != nil {
			_ = store.Close()
			return fmt.Errorf("init reconciler: %w", err)
		}
	}

	// ── 6. Broker ────────────────────────────────────────────────────────────
	b, err := broker.New(cfg, n, store, rec,
		broker.WithLogger(logger),
		broker.WithMetrics(&metrics.Registry{}),
	)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("init broker: %w", err)
	}

	// ── 7. HTTP / WebSocket transport and dispatcher ─────────────────────────
	srv := transphttp.New(b, cfg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("levelq ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Node.Role.RunsDispatcher() {
		g.Go(func() error { return b.Run(gctx) })
	}

	// ── 8. Graceful shutdown ─────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
		return nil
	})

	runErr := g.Wait()
	if err := b.Close(); err != nil {
		slog.Warn("broker close error", "err", err)
	}
	slog.Info("levelq stopped")
	return runErr
}
