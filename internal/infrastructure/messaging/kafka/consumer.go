package kafka

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

var (
	// ErrAlreadyRunning is returned by Start when the consume loop is active.
	ErrAlreadyRunning = appErrors.New(appErrors.CodeConflict, "consumer is already running")
	// ErrConsumerClosed is returned by Start after Close.
	ErrConsumerClosed = appErrors.New(appErrors.ErrCodeInternal, "consumer is closed")
)

// Message is one consumed record, decoupled from the underlying client.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string]string
}

// MessageHandler processes one message.  A nil return commits the offset; an
// error triggers the retry/dead-letter path.
type MessageHandler func(ctx context.Context, msg *Message) error

// RetryConfig bounds how hard a failing message is retried before it is
// dead-lettered.
type RetryConfig struct {
	MaxRetries      int
	Backoff         time.Duration
	MaxBackoff      time.Duration
	DeadLetterTopic string
}

// ConsumerConfig holds consumer-group parameters.
type ConsumerConfig struct {
	Brokers           []string
	GroupID           string
	Topics            []string
	AutoOffsetReset   string // "earliest" | "latest"
	MinBytes          int
	MaxBytes          int
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	Retry             RetryConfig
}

func validateConsumerConfig(cfg ConsumerConfig) error {
	if len(cfg.Brokers) == 0 {
		return appErrors.New(appErrors.CodeValidation, "at least one broker address is required")
	}
	if cfg.GroupID == "" {
		return appErrors.New(appErrors.CodeValidation, "consumer group id is required")
	}
	if len(cfg.Topics) == 0 {
		return appErrors.New(appErrors.CodeValidation, "at least one topic is required")
	}
	switch cfg.AutoOffsetReset {
	case "", "earliest", "latest":
	default:
		return appErrors.Newf(appErrors.CodeValidation,
			"auto offset reset %q is invalid; expected earliest|latest", cfg.AutoOffsetReset)
	}
	if cfg.Retry.MaxRetries < 0 {
		return appErrors.Newf(appErrors.CodeValidation,
			"max retries must be ≥ 0, got %d", cfg.Retry.MaxRetries)
	}
	return nil
}

// ReaderInterface abstracts kafka.Reader for testing.
type ReaderInterface interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.ReaderStats
}

// consumerMetrics counts the consume loop's outcomes.
type consumerMetrics struct {
	consumed     atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	lag          atomic.Int64
	lastConsumed atomic.Value // time.Time
}

// ConsumerStats is a point-in-time snapshot of the consume counters.
type ConsumerStats struct {
	Consumed       int64
	Processed      int64
	Failed         int64
	Retried        int64
	DeadLettered   int64
	Lag            int64
	LastConsumedAt time.Time
}

// Consumer runs a fetch/handle/commit loop over a consumer group, with
// per-topic handlers and a dead-letter queue for poisoned messages.
type Consumer struct {
	reader ReaderInterface
	config ConsumerConfig
	logger logging.Logger

	mu       sync.RWMutex
	handlers map[string]MessageHandler

	running atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	dlq     *Producer
	metrics *consumerMetrics
}

// NewConsumer builds a consumer-group reader.  When the retry configuration
// names a dead-letter topic, a producer for it is created on the same
// brokers.
func NewConsumer(cfg ConsumerConfig, logger logging.Logger) (*Consumer, error) {
	if err := validateConsumerConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.Named("kafka_consumer")

	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10 * 1024 * 1024
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}

	startOffset := kafka.FirstOffset
	if cfg.AutoOffsetReset == "latest" {
		startOffset = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		GroupTopics:       cfg.Topics,
		MinBytes:          cfg.MinBytes,
		MaxBytes:          cfg.MaxBytes,
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StartOffset:       startOffset,
	})

	var dlq *Producer
	if cfg.Retry.DeadLetterTopic != "" {
		p, err := NewProducer(ProducerConfig{Brokers: cfg.Brokers}, logger)
		if err != nil {
			_ = reader.Close()
			return nil, err
		}
		dlq = p
	}

	return &Consumer{
		reader:   reader,
		config:   cfg,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
		dlq:      dlq,
		metrics:  &consumerMetrics{},
	}, nil
}

// Subscribe registers the handler for a topic, replacing any previous one.
func (c *Consumer) Subscribe(topic string, handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
	c.logger.Info("handler registered", logging.String("topic", topic))
}

// Unsubscribe removes the handler for a topic.
func (c *Consumer) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
}

// Start launches the consume loop.  It returns immediately; the loop runs
// until ctx is cancelled or Close is called.
func (c *Consumer) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.running.Swap(true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.Info("consumer started",
		logging.String("group", c.config.GroupID),
		logging.Any("topics", c.config.Topics),
	)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("fetch failed", logging.Err(err))
			time.Sleep(time.Second)
			continue
		}

		c.metrics.consumed.Add(1)
		c.metrics.lastConsumed.Store(time.Now())
		c.metrics.lag.Store(m.HighWaterMark - m.Offset)

		msg := fromKafkaMessage(m)

		c.mu.RLock()
		handler, ok := c.handlers[m.Topic]
		c.mu.RUnlock()
		if !ok {
			// Nothing will ever process this topic; skip past it.
			c.logger.Warn("no handler for topic", logging.String("topic", m.Topic))
			c.commit(ctx, m)
			continue
		}

		if err := c.handleWithRetry(ctx, msg, handler); err != nil {
			// Retries exhausted and the dead-letter write failed too.  Leave
			// the offset uncommitted so a restart retries the message.
			c.metrics.failed.Add(1)
			c.logger.Error("message abandoned without commit",
				logging.String("topic", m.Topic),
				logging.Int64("offset", m.Offset),
				logging.Err(err),
			)
			continue
		}
		c.metrics.processed.Add(1)
		c.commit(ctx, m)
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.logger.Error("commit failed",
			logging.String("topic", m.Topic),
			logging.Int64("offset", m.Offset),
			logging.Err(err),
		)
	}
}

// handleWithRetry runs the handler, retrying with exponential backoff.  On
// exhaustion the message is forwarded to the dead-letter topic; only a
// failed dead-letter write surfaces as an error.
func (c *Consumer) handleWithRetry(ctx context.Context, msg *Message, handler MessageHandler) error {
	err := handler(ctx, msg)
	if err == nil {
		return nil
	}

	maxRetries := c.config.Retry.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	backoff := c.config.Retry.Backoff
	if backoff == 0 {
		backoff = time.Second
	}
	maxBackoff := c.config.Retry.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 30 * time.Second
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		c.metrics.retried.Add(1)
		if err = handler(ctx, msg); err == nil {
			return nil
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	c.logger.Error("handler failed after retries",
		logging.String("topic", msg.Topic),
		logging.Int64("offset", msg.Offset),
		logging.Int("retries", maxRetries),
		logging.Err(err),
	)
	return c.deadLetter(ctx, msg, err)
}

// deadLetter forwards an exhausted message to the dead-letter topic with
// provenance headers.  Without a configured topic the message is dropped.
func (c *Consumer) deadLetter(ctx context.Context, msg *Message, cause error) error {
	if c.dlq == nil {
		c.logger.Warn("no dead-letter topic configured, dropping message",
			logging.String("topic", msg.Topic),
			logging.Int64("offset", msg.Offset),
		)
		return nil
	}

	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["original_topic"] = msg.Topic
	headers["error"] = cause.Error()

	err := c.dlq.Publish(ctx, &ProducerMessage{
		Topic:   c.config.Retry.DeadLetterTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		return err
	}
	c.metrics.deadLettered.Add(1)
	return nil
}

// Stats returns a snapshot of the consume counters.
func (c *Consumer) Stats() ConsumerStats {
	stats := ConsumerStats{
		Consumed:     c.metrics.consumed.Load(),
		Processed:    c.metrics.processed.Load(),
		Failed:       c.metrics.failed.Load(),
		Retried:      c.metrics.retried.Load(),
		DeadLettered: c.metrics.deadLettered.Load(),
		Lag:          c.metrics.lag.Load(),
	}
	if ts, ok := c.metrics.lastConsumed.Load().(time.Time); ok {
		stats.LastConsumedAt = ts
	}
	return stats
}

// Close stops the consume loop and releases the reader and the dead-letter
// producer.  Safe to call more than once, started or not.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.running.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	err := c.reader.Close()
	if c.dlq != nil {
		if dlqErr := c.dlq.Close(); err == nil {
			err = dlqErr
		}
	}
	c.logger.Info("consumer closed",
		logging.Int64("consumed", c.metrics.consumed.Load()),
		logging.Int64("dead_lettered", c.metrics.deadLettered.Load()),
	)
	return err
}

func fromKafkaMessage(m kafka.Message) *Message {
	msg := &Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Time,
		Headers:   make(map[string]string, len(m.Headers)),
	}
	for _, h := range m.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}
