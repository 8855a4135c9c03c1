// Package config holds all configuration types and loading logic for levelq.
// Fields are only ever added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a levelq process.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Store      StoreConfig      `yaml:"store"`
	Workqueue  WorkqueueConfig  `yaml:"workqueue"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Role selects which components a process runs.
type Role string

const (
	RoleAll        Role = "all"        // receiver API and dispatcher
	RoleReceiver   Role = "receiver"   // API only
	RoleDispatcher Role = "dispatcher" // dispatcher and operator API, no enqueue
)

// RunsDispatcher reports whether the role starts a dispatcher.
func (r Role) RunsDispatcher() bool { return r == RoleAll || r == RoleDispatcher }

// RunsReceiver reports whether the role accepts enqueue requests.
func (r Role) RunsReceiver() bool { return r == RoleAll || r == RoleReceiver }

// NodeConfig holds identity and network settings for this process.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	Region  string `yaml:"region"`
	Role    Role   `yaml:"role"`
}

// Backend names a storage.Store implementation.
type Backend string

const (
	BackendBolt     Backend = "bolt"     // single process, file in data_dir
	BackendRedis    Backend = "redis"    // shared, endpoint is host:port
	BackendPostgres Backend = "postgres" // shared, endpoint is a DSN
)

// Scope decides which store endpoint a process uses.
type Scope string

const (
	// ScopeGlobal points every region at store.endpoint (or store.shards).
	ScopeGlobal Scope = "global"
	// ScopeRegional points each region at store.regions[node.region].
	ScopeRegional Scope = "regional"
)

// StoreConfig selects and addresses the queue store.
type StoreConfig struct {
	Backend  Backend           `yaml:"backend"`
	Scope    Scope             `yaml:"scope"`
	Endpoint string            `yaml:"endpoint"`
	Regions  map[string]string `yaml:"regions"`
	// Shards, when set with global scope, spreads keys over several endpoints
	// of the same backend.
	Shards []string `yaml:"shards"`
	// KeyPrefix namespaces Redis keys so several deployments can share a server.
	KeyPrefix string      `yaml:"key_prefix"`
	Retry     RetryConfig `yaml:"retry"`
}

// RetryConfig bounds CAS retries on conflict.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// WorkqueueConfig tunes the dispatcher.
type WorkqueueConfig struct {
	ConcurrentWork int           `yaml:"concurrent_work"`
	MaxRetry       int           `yaml:"max_retry"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	// BackoffJitter is the maximum extra share of a delay, in [0, 1].
	BackoffJitter float64 `yaml:"backoff_jitter"`
}

// ReconcilerConfig addresses the HTTP reconciler.
type ReconcilerConfig struct {
	URL string `yaml:"url"`
	// Secret, when set, signs each request body with HMAC-SHA256.
	Secret string `yaml:"secret"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// RateLimitConfig sets the per-client enqueue rate.
type RateLimitConfig struct {
	// Rate is requests per second per client IP. 0 disables limiting.
	Rate  int `yaml:"rate"`
	Burst int `yaml:"burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
			Role:    RoleAll,
		},
		Store: StoreConfig{
			Backend: BackendBolt,
			Scope:   ScopeGlobal,
			Regions: map[string]string{},
			Retry: RetryConfig{
				Attempts: 8,
				MinDelay: 5 * time.Millisecond,
				MaxDelay: 50 * time.Millisecond,
			},
		},
		Workqueue: WorkqueueConfig{
			ConcurrentWork: 20,
			MaxRetry:       5,
			LeaseDuration:  5 * time.Minute,
			RequestTimeout: time.Minute,
			PollInterval:   time.Second,
			BackoffBase:    time.Second,
			BackoffCap:     5 * time.Minute,
			BackoffJitter:  0.2,
		},
		RateLimit: RateLimitConfig{
			Rate:  1_000,
			Burst: 5_000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// A missing file yields the defaults. Environment overrides are applied last:
//
//	LEVELQ_AUTH_API_KEY      sets auth.api_key and enables auth
//	LEVELQ_DATA_DIR          sets node.data_dir
//	LEVELQ_PORT              sets node.port
//	LEVELQ_REGION            sets node.region
//	LEVELQ_ROLE              sets node.role
//	LEVELQ_STORE_BACKEND     sets store.backend
//	LEVELQ_STORE_ENDPOINT    sets store.endpoint
//	LEVELQ_CONCURRENT_WORK   sets workqueue.concurrent_work
//	LEVELQ_MAX_RETRY         sets workqueue.max_retry
//	LEVELQ_RECONCILER_URL    sets reconciler.url
//	LEVELQ_RECONCILER_SECRET sets reconciler.secret
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("LEVELQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("LEVELQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LEVELQ_REGION"); v != "" {
		cfg.Node.Region = v
	}
	if v := os.Getenv("LEVELQ_ROLE"); v != "" {
		cfg.Node.Role = Role(strings.ToLower(v))
	}
	if v := os.Getenv("LEVELQ_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = Backend(strings.ToLower(v))
	}
	if v := os.Getenv("LEVELQ_STORE_ENDPOINT"); v != "" {
		cfg.Store.Endpoint = v
	}
	if v := os.Getenv("LEVELQ_RECONCILER_URL"); v != "" {
		cfg.Reconciler.URL = v
	}
	if v := os.Getenv("LEVELQ_RECONCILER_SECRET"); v != "" {
		cfg.Reconciler.Secret = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"LEVELQ_PORT", &cfg.Node.Port},
		{"LEVELQ_CONCURRENT_WORK", &cfg.Workqueue.ConcurrentWork},
		{"LEVELQ_MAX_RETRY", &cfg.Workqueue.MaxRetry},
	}
	for _, e := range ints {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", e.name, v, err)
		}
		*e.dst = n
	}
	return nil
}

// StoreEndpoints returns the endpoints this process should open, resolved by
// scope. A single element means an unsharded store. The bolt backend has no
// endpoint; its path is derived from node.data_dir by the caller.
func (c *Config) StoreEndpoints() ([]string, error) {
	switch c.Store.Scope {
	case ScopeRegional:
		ep, ok := c.Store.Regions[c.Node.Region]
		if !ok || ep == "" {
			return nil, fmt.Errorf("config: no store.regions entry for region %q", c.Node.Region)
		}
		return []string{ep}, nil
	default:
		if len(c.Store.Shards) > 0 {
			return c.Store.Shards, nil
		}
		return []string{c.Store.Endpoint}, nil
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Node.Role {
	case RoleAll, RoleReceiver, RoleDispatcher:
	default:
		return errors.New(`node.role must be one of "all", "receiver", "dispatcher"`)
	}

	switch c.Store.Backend {
	case BackendBolt:
		if c.Store.Scope == ScopeRegional {
			return errors.New("store.scope regional needs a shared backend")
		}
	case BackendRedis, BackendPostgres:
	default:
		return errors.New(`store.backend must be one of "bolt", "redis", "postgres"`)
	}
	switch c.Store.Scope {
	case ScopeGlobal:
		if c.Store.Backend != BackendBolt && c.Store.Endpoint == "" && len(c.Store.Shards) == 0 {
			return errors.New("store.endpoint or store.shards is required for global scope")
		}
	case ScopeRegional:
		if c.Node.Region == "" {
			return errors.New("node.region is required for regional scope")
		}
		if len(c.Store.Shards) > 0 {
			return errors.New("store.shards is only supported with global scope")
		}
		if _, err := c.StoreEndpoints(); err != nil {
			return err
		}
	default:
		return errors.New(`store.scope must be one of "global", "regional"`)
	}
	if c.Store.Retry.Attempts < 1 {
		return errors.New("store.retry.attempts must be at least 1")
	}

	w := c.Workqueue
	if w.ConcurrentWork < 1 {
		return errors.New("workqueue.concurrent_work must be at least 1")
	}
	if w.MaxRetry < 0 {
		return errors.New("workqueue.max_retry must be >= 0")
	}
	if w.LeaseDuration <= 0 || w.RequestTimeout <= 0 || w.PollInterval <= 0 {
		return errors.New("workqueue lease_duration, request_timeout and poll_interval must be positive")
	}
	if w.RequestTimeout > w.LeaseDuration {
		return errors.New("workqueue.request_timeout must not exceed workqueue.lease_duration")
	}
	if w.BackoffBase <= 0 || w.BackoffCap < w.BackoffBase {
		return errors.New("workqueue.backoff_base must be positive and not exceed backoff_cap")
	}
	if w.BackoffJitter < 0 || w.BackoffJitter > 1 {
		return errors.New("workqueue.backoff_jitter must be within [0, 1]")
	}
	if c.Node.Role.RunsDispatcher() && c.Reconciler.URL == "" {
		return errors.New("reconciler.url is required when the dispatcher runs")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must be >= 0")
	}
	return nil
}
