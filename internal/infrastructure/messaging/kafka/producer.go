package kafka

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// ErrProducerClosed is returned by Publish after Close.
var ErrProducerClosed = appErrors.New(appErrors.ErrCodeInternal, "producer is closed")

// ProducerMessage is one record to publish.  Keys route through the hash
// balancer, so all messages sharing a key land on the same partition in
// order.
type ProducerMessage struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// ProducerConfig holds writer parameters.
type ProducerConfig struct {
	Brokers                []string
	Acks                   string // "none" | "one" | "all"
	MaxRetries             int
	BatchSize              int
	BatchTimeout           time.Duration
	MaxMessageBytes        int
	Compression            string // "" | "gzip" | "snappy" | "lz4" | "zstd"
	WriteTimeout           time.Duration
	AllowAutoTopicCreation bool
}

func validateProducerConfig(cfg ProducerConfig) error {
	if len(cfg.Brokers) == 0 {
		return appErrors.New(appErrors.CodeValidation, "at least one broker address is required")
	}
	if cfg.MaxRetries < 0 {
		return appErrors.Newf(appErrors.CodeValidation, "max retries must be ≥ 0, got %d", cfg.MaxRetries)
	}
	return nil
}

// WriterInterface abstracts kafka.Writer for testing.
type WriterInterface interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.WriterStats
}

type producerMetrics struct {
	sent      atomic.Int64
	failed    atomic.Int64
	bytesSent atomic.Int64
	lastSent  atomic.Value // time.Time
}

// ProducerStats is a point-in-time snapshot of the publish counters.
type ProducerStats struct {
	Sent       int64
	Failed     int64
	BytesSent  int64
	LastSentAt time.Time
}

// Producer publishes messages through a shared kafka.Writer with a hash
// balancer, so per-key ordering survives partitioning.
type Producer struct {
	writer  WriterInterface
	config  ProducerConfig
	logger  logging.Logger
	closed  atomic.Bool
	metrics *producerMetrics
}

// NewProducer builds a writer-backed producer.
func NewProducer(cfg ProducerConfig, logger logging.Logger) (*Producer, error) {
	if err := validateProducerConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 1024 * 1024
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	var acks kafka.RequiredAcks
	switch cfg.Acks {
	case "none":
		acks = kafka.RequireNone
	case "all":
		acks = kafka.RequireAll
	default:
		acks = kafka.RequireOne
	}

	var compression kafka.Compression
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "snappy":
		compression = kafka.Snappy
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            cfg.MaxRetries + 1,
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           acks,
		Compression:            compression,
		AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
	}

	return &Producer{
		writer:  writer,
		config:  cfg,
		logger:  logger.Named("kafka_producer"),
		metrics: &producerMetrics{},
	}, nil
}

// Publish writes one message and waits for the configured acks.
func (p *Producer) Publish(ctx context.Context, msg *ProducerMessage) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if msg.Topic == "" {
		return appErrors.New(appErrors.CodeValidation, "message topic is required")
	}
	if len(msg.Value) == 0 {
		return appErrors.New(appErrors.CodeValidation, "message value is required")
	}
	if len(msg.Value) > p.config.MaxMessageBytes {
		return appErrors.Newf(appErrors.CodeValidation,
			"message of %d bytes exceeds the %d byte limit", len(msg.Value), p.config.MaxMessageBytes)
	}

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, toKafkaMessage(msg)); err != nil {
		p.metrics.failed.Add(1)
		return appErrors.Wrap(err, appErrors.CodeMessagingError, "failed to publish to "+msg.Topic)
	}

	p.metrics.sent.Add(1)
	p.metrics.bytesSent.Add(int64(len(msg.Value)))
	p.metrics.lastSent.Store(time.Now())

	p.logger.Debug("message published",
		logging.String("topic", msg.Topic),
		logging.Int("bytes", len(msg.Value)),
		logging.Duration("latency", time.Since(start)),
	)
	return nil
}

// Stats returns a snapshot of the publish counters.
func (p *Producer) Stats() ProducerStats {
	stats := ProducerStats{
		Sent:      p.metrics.sent.Load(),
		Failed:    p.metrics.failed.Load(),
		BytesSent: p.metrics.bytesSent.Load(),
	}
	if ts, ok := p.metrics.lastSent.Load().(time.Time); ok {
		stats.LastSentAt = ts
	}
	return stats
}

// Close flushes and releases the writer.  Safe to call more than once.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.writer.Close()
	p.logger.Info("producer closed", logging.Int64("sent", p.metrics.sent.Load()))
	return err
}

func toKafkaMessage(msg *ProducerMessage) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return kafka.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
		Time:    ts,
	}
}
