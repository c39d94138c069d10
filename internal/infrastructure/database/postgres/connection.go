// Package postgres provides the PostgreSQL connection pool, schema migration
// management, and the transactional catalog store backing the running
// catalog.  Repository implementations live in the repositories subpackage.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/transientlab/skymatch/internal/config"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
)

// ─────────────────────────────────────────────────────────────────────────────
// Constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	// connectTimeout bounds the initial connect and every health-check ping.
	connectTimeout = 5 * time.Second

	// poolUsageWarnThreshold is the acquired/max connection ratio above which
	// a health check logs a saturation warning.
	poolUsageWarnThreshold = 0.8
)

// ─────────────────────────────────────────────────────────────────────────────
// Connection
// ─────────────────────────────────────────────────────────────────────────────

// Connection wraps a pgx connection pool with lifecycle management and health
// checking.  It is safe for concurrent use and must be closed via Close.
type Connection struct {
	pool      *pgxpool.Pool
	cfg       config.DatabaseConfig
	logger    logging.Logger
	closeOnce sync.Once
}

// NewConnection establishes a pooled connection to PostgreSQL and verifies it
// with a ping.  Pool sizing follows the configuration; zero values keep the
// pgx defaults.
func NewConnection(ctx context.Context, cfg config.DatabaseConfig, logger logging.Logger) (*Connection, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.Named("postgres")

	poolCfg, err := pgxpool.ParseConfig(buildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres connection string: %w", err)
	}
	configurePool(poolCfg, cfg)
	poolCfg.ConnConfig.ConnectTimeout = connectTimeout
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "skymatch"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info("connected to postgres",
		logging.String("host", cfg.Host),
		logging.Int("port", cfg.Port),
		logging.String("database", cfg.DBName),
		logging.Int("max_conns", int(poolCfg.MaxConns)))

	return &Connection{pool: pool, cfg: cfg, logger: logger}, nil
}

// Pool returns the underlying pgx pool for repositories and the catalog
// store.
func (c *Connection) Pool() *pgxpool.Pool {
	return c.pool
}

// HealthCheck pings the database and inspects pool saturation.  A pool whose
// acquired/max ratio exceeds the warn threshold is logged but still reported
// healthy: saturation degrades latency before it causes failures.
func (c *Connection) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := c.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}

	stat := c.pool.Stat()
	if max := stat.MaxConns(); max > 0 {
		usage := float64(stat.AcquiredConns()) / float64(max)
		if usage > poolUsageWarnThreshold {
			c.logger.Warn("postgres connection pool near capacity",
				logging.Int("acquired", int(stat.AcquiredConns())),
				logging.Int("max", int(max)),
				logging.Float64("usage", usage))
		}
	}
	return nil
}

// Stats exposes the live pool statistics for metrics collection.
func (c *Connection) Stats() *pgxpool.Stat {
	return c.pool.Stat()
}

// Close releases all pool connections.  Subsequent calls are no-ops.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.pool.Close()
		c.logger.Info("postgres connection pool closed")
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Connection string and pool configuration
// ─────────────────────────────────────────────────────────────────────────────

// buildConnString assembles a postgres:// URL from the configuration.  Using
// url.URL keeps special characters in passwords intact.
func buildConnString(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     cfg.DBName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// configurePool copies the configured pool limits onto the pgx pool config,
// leaving pgx defaults in place for unset values.
func configurePool(poolCfg *pgxpool.Config, cfg config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}
}
