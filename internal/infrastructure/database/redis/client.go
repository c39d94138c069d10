// Package redis provides the Redis client and the per-dataset lock that
// serializes association batches.  One batch per dataset runs at a time;
// nothing else in the service keeps state in Redis.
package redis

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/transientlab/skymatch/internal/config"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Constants and sentinel errors
// ─────────────────────────────────────────────────────────────────────────────

// connectTimeout bounds the initial connectivity ping.
const connectTimeout = 5 * time.Second

var (
	// ErrClientClosed is returned by every command issued after Close.
	ErrClientClosed = appErrors.New(appErrors.ErrCodeInternal, "redis client is closed")
)

// ─────────────────────────────────────────────────────────────────────────────
// Client
// ─────────────────────────────────────────────────────────────────────────────

// Client wraps a go-redis universal client.  Depending on configuration it
// speaks to a standalone server, a sentinel-managed master, or a cluster.
type Client struct {
	rdb    redis.UniversalClient
	cfg    config.RedisConfig
	logger logging.Logger

	mu     sync.RWMutex
	closed bool
}

// NewClient connects to Redis per cfg and verifies the connection with a
// ping before returning.
//
// Args:
//
//	ctx: context bounding the initial ping.
//	cfg: Redis connection configuration.
//	logger: structured logger; a no-op logger is used when nil.
//
// Returns:
//
//	*Client: the connected client.
//	error: connection or ping failure.
func NewClient(ctx context.Context, cfg config.RedisConfig, logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.Named("redis")

	applyDefaults(&cfg)

	var rdb redis.UniversalClient
	switch cfg.Mode {
	case "cluster":
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	case "sentinel":
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	default:
		if cfg.Mode != "" && cfg.Mode != "standalone" {
			logger.Warn("unknown redis mode, falling back to standalone",
				logging.String("mode", cfg.Mode))
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	client := &Client{rdb: rdb, cfg: cfg, logger: logger}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, appErrors.Wrap(err, appErrors.ErrCodeCacheError, "failed to connect to redis")
	}

	logger.Info("redis client connected",
		logging.String("mode", modeName(cfg.Mode)),
		logging.String("addr", cfg.Addr),
	)
	return client, nil
}

// applyDefaults fills zero-valued connection tunables in place.
func applyDefaults(cfg *config.RedisConfig) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10 * runtime.GOMAXPROCS(0)
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = 2
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
}

func modeName(mode string) string {
	switch mode {
	case "cluster", "sentinel":
		return mode
	default:
		return "standalone"
	}
}

// Ping verifies connectivity.  Used by readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.  Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.rdb.Close(); err != nil {
		c.logger.Error("failed to close redis client", logging.Err(err))
		return err
	}
	c.logger.Info("redis client closed")
	return nil
}

// Underlying exposes the raw go-redis client for callers that need the full
// command surface.
func (c *Client) Underlying() redis.UniversalClient {
	return c.rdb
}

// PoolStats reports connection-pool counters.
func (c *Client) PoolStats() *redis.PoolStats {
	return c.rdb.PoolStats()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ─────────────────────────────────────────────────────────────────────────────
// Lock command surface
// ─────────────────────────────────────────────────────────────────────────────

// SetNX sets key to value with a TTL only if key does not exist.  Reports
// whether the key was set.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if c.isClosed() {
		return false, ErrClientClosed
	}
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// EvalInt runs a Lua script expected to return an integer.  Scripts are
// loaded through EVALSHA with an EVAL fallback.
func (c *Client) EvalInt(ctx context.Context, script *redis.Script, keys []string, args ...any) (int64, error) {
	if c.isClosed() {
		return 0, ErrClientClosed
	}
	return script.Run(ctx, c.rdb, keys, args...).Int64()
}

// PTTL reports the remaining time to live of key.
func (c *Client) PTTL(ctx context.Context, key string) (time.Duration, error) {
	if c.isClosed() {
		return 0, ErrClientClosed
	}
	return c.rdb.PTTL(ctx, key).Result()
}
