// Command worker runs the association daemon.  It consumes detection-batch
// messages from the raw topic, runs each one through the association service,
// and leaves committed decisions on the decisions topic.  Batches that
// exhaust their retries land on the dead-letter topic.
//
// Scaling out is a matter of running more consumers: every consumer joins the
// same group, Kafka spreads partitions across them, and the per-dataset Redis
// lock keeps concurrent batches of one dataset from interleaving.
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
	"time"

	"github.com/transientlab/skymatch/internal/application/association"
	"github.com/transientlab/skymatch/internal/config"
	"github.com/transientlab/skymatch/internal/infrastructure/database/postgres"
	"github.com/transientlab/skymatch/internal/infrastructure/database/postgres/repositories"
	redisclient "github.com/transientlab/skymatch/internal/infrastructure/database/redis"
	"github.com/transientlab/skymatch/internal/infrastructure/messaging/kafka"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/prometheus"
	"github.com/transientlab/skymatch/internal/interfaces/rest"
	"github.com/transientlab/skymatch/internal/interfaces/rest/handlers"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

const defaultConfigPath = "configs/config.yaml"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the configuration file (empty: environment variables only)")
	workers := flag.Int("workers", 0, "number of concurrent consumers (overrides worker.concurrency)")
	flag.Parse()

	if err := run(*configPath, *workers); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, workers int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialise logger: %w", err)
	}
	logger = logger.Named("worker")

	concurrency := cfg.Worker.Concurrency
	if workers > 0 {
		concurrency = workers
	}

	logger.Info("starting association worker",
		logging.String("version", version),
		logging.Int("concurrency", concurrency),
		logging.String("topic", cfg.Kafka.DetectionsTopic),
		logging.String("group", cfg.Kafka.GroupID))

	var (
		collector prometheus.MetricsCollector
		metrics   *prometheus.AppMetrics
	)
	if cfg.Metrics.Enabled {
		subsystem := cfg.Metrics.Subsystem
		if subsystem == "" {
			subsystem = "worker"
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

	infra, err := initInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close(logger)

	svc, err := buildService(cfg, infra, metrics, logger)
	if err != nil {
		return fmt.Errorf("failed to build association service: %w", err)
	}

	handler := batchHandler(svc, metrics, cfg.Worker.HandlerTimeout, logger)

	consumers := make([]*kafka.Consumer, 0, concurrency)
	defer func() {
		for _, c := range consumers {
			_ = c.Close()
		}
	}()
	for i := 0; i < concurrency; i++ {
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:         cfg.Kafka.Brokers,
			GroupID:         cfg.Kafka.GroupID,
			Topics:          []string{cfg.Kafka.DetectionsTopic},
			AutoOffsetReset: cfg.Kafka.AutoOffsetReset,
			Retry: kafka.RetryConfig{
				MaxRetries:      cfg.Worker.MaxRetries,
				Backoff:         cfg.Worker.RetryBackoff,
				DeadLetterTopic: cfg.Kafka.DLQTopic,
			},
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
		consumer.Subscribe(cfg.Kafka.DetectionsTopic, handler)
		consumers = append(consumers, consumer)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	for _, c := range consumers {
		if err := c.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}
	}
	logger.Info("consumer pool started", logging.Int("consumers", len(consumers)))

	if metrics != nil {
		go statsLoop(runCtx, metrics, infra.pg, consumers, cfg.Kafka.DLQTopic, time.Now())
	}

	healthSrv := startHealthServer(cfg, infra, collector, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", logging.String("signal", sig.String()))

	// Closing a consumer stops its fetch loop and waits for the in-flight
	// handler, which has detached its processing context and will finish the
	// batch.  The timeout abandons batches that outrun the drain window; the
	// transaction boundary and the uncommitted offset make that safe.
	done := make(chan struct{})
	go func() {
		for _, c := range consumers {
			_ = c.Close()
		}
		close(done)
	}()
	select {
	case <-done:
		logger.Info("consumers drained")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded, abandoning in-flight batches",
			logging.Duration("timeout", cfg.Worker.ShutdownTimeout))
	}

	if err := healthSrv.Stop(context.Background()); err != nil {
		logger.Error("health server shutdown failed", logging.Err(err))
	}

	logger.Info("association worker stopped")
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

// ─────────────────────────────────────────────────────────────────────────────
// Infrastructure
// ─────────────────────────────────────────────────────────────────────────────

// workerInfra bundles the long-lived clients the daemon owns.
type workerInfra struct {
	pg       *postgres.Connection
	redis    *redisclient.Client
	producer *kafka.Producer
}

func (w *workerInfra) Close(logger logging.Logger) {
	if w.producer != nil {
		if err := w.producer.Close(); err != nil {
			logger.Error("failed to close kafka producer", logging.Err(err))
		}
	}
	if w.redis != nil {
		_ = w.redis.Close()
	}
	if w.pg != nil {
		w.pg.Close()
	}
}

func initInfrastructure(ctx context.Context, cfg *config.Config, logger logging.Logger) (*workerInfra, error) {
	infra := &workerInfra{}

	pg, err := postgres.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	infra.pg = pg

	if err := runMigrations(cfg.Database, logger); err != nil {
		infra.Close(logger)
		return nil, fmt.Errorf("migrations: %w", err)
	}

	rdb, err := redisclient.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		infra.Close(logger)
		return nil, fmt.Errorf("redis: %w", err)
	}
	infra.redis = rdb

	if cfg.Kafka.AutoCreateTopics {
		if err := ensureTopics(ctx, cfg.Kafka, logger); err != nil {
			infra.Close(logger)
			return nil, fmt.Errorf("kafka topics: %w", err)
		}
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		Acks:         "all",
		MaxRetries:   cfg.Kafka.ProducerRetries,
		BatchSize:    cfg.Kafka.BatchSize,
		BatchTimeout: cfg.Kafka.BatchTimeout,
	}, logger)
	if err != nil {
		infra.Close(logger)
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	infra.producer = producer

	return infra, nil
}

// runMigrations applies pending schema migrations before anything touches the
// catalog.
func runMigrations(cfg config.DatabaseConfig, logger logging.Logger) error {
	migrator, err := postgres.NewMigrator(cfg, logger)
	if err != nil {
		return err
	}
	defer migrator.Close()
	return migrator.Up()
}

func ensureTopics(ctx context.Context, cfg config.KafkaConfig, logger logging.Logger) error {
	tm, err := kafka.NewTopicManager(cfg.Brokers, logger)
	if err != nil {
		return err
	}
	defer tm.Close()
	return tm.EnsureTopics(ctx, kafka.DefaultTopics(cfg))
}

func buildService(cfg *config.Config, infra *workerInfra, metrics *prometheus.AppMetrics, logger logging.Logger) (association.Service, error) {
	var observer association.BatchObserver
	if metrics != nil {
		observer = metrics
	}
	return association.NewService(association.ServiceConfig{
		Images:         repositories.NewImageRepository(infra.pg.Pool(), logger),
		Detections:     repositories.NewDetectionRepository(infra.pg.Pool(), logger),
		RunningSources: repositories.NewRunningSourceRepository(infra.pg.Pool(), logger),
		Store:          postgres.NewStore(infra.pg.Pool(), logger),
		Lock:           redisclient.NewDatasetLock(infra.redis, cfg.Redis, logger),
		Publisher:      kafka.NewDecisionPublisher(infra.producer, cfg.Kafka.DecisionsTopic, logger),
		Observer:       observer,
		Defaults: association.Options{
			Theta:      cfg.Association.Theta,
			ZoneHeight: cfg.Association.ZoneHeight,
		},
		Logger: logger,
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Message handling
// ─────────────────────────────────────────────────────────────────────────────

// batchHandler builds the detection-topic handler.  A non-nil return routes
// the message through the consumer's retry and dead-letter path; malformed
// envelopes fail every retry and end up dead-lettered, which is where poison
// belongs.
func batchHandler(svc association.Service, metrics *prometheus.AppMetrics, timeout time.Duration, logger logging.Logger) kafka.MessageHandler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return func(ctx context.Context, msg *kafka.Message) error {
		start := time.Now()

		batch, err := kafka.ParseDetectionBatch(msg.Value)
		if err != nil {
			recordMessage(metrics, msg.Topic, "malformed", start)
			return err
		}
		input, err := batch.ToInput()
		if err != nil {
			recordMessage(metrics, msg.Topic, "malformed", start)
			return err
		}

		// Detach from the consume loop so an in-flight batch survives
		// shutdown.  An abandoned batch rolls back and its offset stays
		// uncommitted, so redelivery resumes it.
		procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		result, err := svc.ProcessImage(procCtx, input)
		if err != nil {
			if metrics != nil {
				metrics.ObserveBatchFailure()
				if appErrors.IsCode(err, appErrors.ErrCodeDatasetBusy) {
					prometheus.RecordLockAcquisition(metrics, "busy")
				}
			}
			recordMessage(metrics, msg.Topic, "error", start)
			return err
		}

		if metrics != nil {
			prometheus.RecordLockAcquisition(metrics, "acquired")
		}
		recordMessage(metrics, msg.Topic, "ok", start)
		logger.Info("detection batch processed",
			logging.String("batch_id", result.BatchID),
			logging.Int64("dataset_id", result.DatasetID),
			logging.Int64("image_id", result.ImageID),
			logging.Int("detections", result.Detections),
			logging.Int("new", result.New),
			logging.Int("matched", result.Matched),
			logging.Int("merged", result.Merged),
			logging.Duration("elapsed", result.Elapsed))
		return nil
	}
}

func recordMessage(metrics *prometheus.AppMetrics, topic, status string, start time.Time) {
	if metrics == nil {
		return
	}
	prometheus.RecordMessage(metrics, topic, status, time.Since(start))
}

// statsLoop mirrors slow-moving counters into the Prometheus registry: the
// daemon uptime, the pgx pool occupancy, and dead-letter totals accumulated
// across the consumer pool.
func statsLoop(ctx context.Context, metrics *prometheus.AppMetrics, pg *postgres.Connection, consumers []*kafka.Consumer, dlqTopic string, start time.Time) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var reported int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ServiceUptime.WithLabelValues("worker").Set(time.Since(start).Seconds())
			if stat := pg.Stats(); stat != nil {
				metrics.DBConnectionPoolSize.WithLabelValues("postgres").Set(float64(stat.TotalConns()))
				metrics.DBConnectionPoolActive.WithLabelValues("postgres").Set(float64(stat.AcquiredConns()))
			}
			var dead int64
			for _, c := range consumers {
				dead += c.Stats().DeadLettered
			}
			if delta := dead - reported; delta > 0 {
				metrics.DLQTotal.WithLabelValues(dlqTopic).Add(float64(delta))
				reported = dead
			}
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Health endpoint
// ─────────────────────────────────────────────────────────────────────────────

// startHealthServer exposes the liveness and readiness probes, and the
// Prometheus scrape endpoint when metrics are enabled, on the worker health
// port.  Probe traffic is deliberately not instrumented.
func startHealthServer(cfg *config.Config, infra *workerInfra, collector prometheus.MetricsCollector, logger logging.Logger) *rest.Server {
	health := handlers.NewHealthHandler(version,
		handlers.NewChecker("postgres", infra.pg.HealthCheck),
		handlers.NewChecker("redis", infra.redis.Ping),
	)
	router := rest.NewRouter(rest.RouterConfig{
		HealthHandler:    health,
		Logger:           logger,
		MetricsCollector: collector,
		Mode:             "release",
	})
	srv := rest.NewServer(config.ServerConfig{Port: cfg.Worker.HealthPort}, router, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", logging.Err(err))
		}
	}()
	return srv
}
