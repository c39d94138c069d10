// Command apiserver runs the read-only catalog HTTP API: running-source
// listings, association histories, and vanished-source queries, plus the
// health probes and the Prometheus scrape endpoint.  All catalog writes
// happen through the association worker; this process never mutates state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/transientlab/skymatch/internal/config"
	"github.com/transientlab/skymatch/internal/infrastructure/database/postgres"
	"github.com/transientlab/skymatch/internal/infrastructure/database/postgres/repositories"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/prometheus"
	"github.com/transientlab/skymatch/internal/interfaces/rest"
	"github.com/transientlab/skymatch/internal/interfaces/rest/handlers"
)

const defaultConfigPath = "configs/config.yaml"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the configuration file (empty: environment variables only)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "apiserver: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialise logger: %w", err)
	}
	logger = logger.Named("apiserver")

	logger.Info("starting catalog API server",
		logging.String("version", version),
		logging.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		logging.String("mode", cfg.Server.Mode))

	var (
		collector prometheus.MetricsCollector
		metrics   *prometheus.AppMetrics
	)
	if cfg.Metrics.Enabled {
		subsystem := cfg.Metrics.Subsystem
		if subsystem == "" {
			subsystem = "api"
		}
		collector, err = prometheus.NewMetricsCollector(prometheus.CollectorConfig{
			Namespace:            cfg.Metrics.Namespace,
			Subsystem:            subsystem,
			EnableProcessMetrics: cfg.Metrics.ProcessMetrics,
			EnableGoMetrics:      cfg.Metrics.GoMetrics,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialise metrics: %w", err)
		}
		metrics = prometheus.NewAppMetrics(collector)
	}

	ctx := context.Background()

	pg, err := postgres.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pg.Close()

	if err := runMigrations(cfg.Database, logger); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	pool := pg.Pool()
	catalogHandler := handlers.NewCatalogHandler(
		repositories.NewRunningSourceRepository(pool, logger),
		repositories.NewAssociationRepository(pool, logger),
		repositories.NewImageRepository(pool, logger),
		logger,
	)
	// The read path touches postgres only; Redis and Kafka belong to the
	// worker, so readiness here must not depend on them.
	healthHandler := handlers.NewHealthHandler(version,
		handlers.NewChecker("postgres", pg.HealthCheck),
	)

	router := rest.NewRouter(rest.RouterConfig{
		CatalogHandler:   catalogHandler,
		HealthHandler:    healthHandler,
		Logger:           logger,
		Metrics:          metrics,
		MetricsCollector: collector,
		Mode:             cfg.Server.Mode,
	})
	srv := rest.NewServer(cfg.Server, router, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		logger.Info("received shutdown signal", logging.String("signal", sig.String()))
	}

	if err := srv.Stop(context.Background()); err != nil {
		logger.Error("server shutdown failed", logging.Err(err))
		return err
	}
	logger.Info("catalog API server stopped")
	return nil
}

// loadConfig reads the YAML file, or builds the configuration purely from
// SKYMATCH_* environment variables when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromEnv()
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig) (logging.Logger, error) {
	return logging.NewLogger(logging.LogConfig{
		Level:            cfg.Level,
		Format:           cfg.Format,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: cfg.ErrorOutputPaths,
	})
}

// runMigrations applies pending schema migrations so the API never serves
// from a stale schema after a deploy.
func runMigrations(cfg config.DatabaseConfig, logger logging.Logger) error {
	migrator, err := postgres.NewMigrator(cfg, logger)
	if err != nil {
		return err
	}
	defer migrator.Close()
	return migrator.Up()
}
