package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// fakeReader feeds the consume loop from func fields; a nil fetchFunc blocks
// until the context is cancelled, like an idle broker.
type fakeReader struct {
	fetchFunc func(ctx context.Context) (kafka.Message, error)

	mu        sync.Mutex
	committed []kafka.Message
	closed    int
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if f.fetchFunc != nil {
		return f.fetchFunc(ctx)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{} }

func (f *fakeReader) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

// fetchOnce returns the message on the first call and then blocks.
func fetchOnce(m kafka.Message) func(ctx context.Context) (kafka.Message, error) {
	var done bool
	var mu sync.Mutex
	return func(ctx context.Context) (kafka.Message, error) {
		mu.Lock()
		first := !done
		done = true
		mu.Unlock()
		if first {
			return m, nil
		}
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
}

func newTestConsumer(reader ReaderInterface, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		reader:   reader,
		config:   cfg,
		logger:   logging.NewNopLogger(),
		handlers: make(map[string]MessageHandler),
		metrics:  &consumerMetrics{},
	}
}

func baseConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers: []string{"localhost:9092"},
		GroupID: "skymatch-workers",
		Topics:  []string{TopicDetectionsRaw},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

func TestValidateConsumerConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ConsumerConfig)
		wantErr string
	}{
		{"valid", func(*ConsumerConfig) {}, ""},
		{"no brokers", func(c *ConsumerConfig) { c.Brokers = nil }, "broker"},
		{"no group", func(c *ConsumerConfig) { c.GroupID = "" }, "group"},
		{"no topics", func(c *ConsumerConfig) { c.Topics = nil }, "topic"},
		{"bad offset reset", func(c *ConsumerConfig) { c.AutoOffsetReset = "oldest" }, "offset reset"},
		{"negative retries", func(c *ConsumerConfig) { c.Retry.MaxRetries = -1 }, "retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConsumerConfig()
			tt.mutate(&cfg)
			err := validateConsumerConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNewConsumer(t *testing.T) {
	c, err := NewConsumer(baseConsumerConfig(), nil)
	require.NoError(t, err)
	assert.Nil(t, c.dlq)
	require.NoError(t, c.Close())

	cfg := baseConsumerConfig()
	cfg.Retry.DeadLetterTopic = TopicDetectionsDLQ
	c, err = NewConsumer(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, c.dlq)
	require.NoError(t, c.Close())
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

func TestConsumer_StartTwice(t *testing.T) {
	c := newTestConsumer(&fakeReader{}, baseConsumerConfig())

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Start(context.Background()), ErrConsumerClosed)
}

func TestConsumer_CloseIdempotent(t *testing.T) {
	reader := &fakeReader{}
	c := newTestConsumer(reader, baseConsumerConfig())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, reader.closed, "reader is released exactly once, even unstarted")
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatch
// ─────────────────────────────────────────────────────────────────────────────

func TestConsumer_DispatchAndCommit(t *testing.T) {
	reader := &fakeReader{fetchFunc: fetchOnce(kafka.Message{
		Topic:  TopicDetectionsRaw,
		Offset: 7,
		Key:    []byte("3"),
		Value:  []byte(`{"dataset_id":3}`),
		Headers: []kafka.Header{
			{Key: "source", Value: []byte("extractor")},
		},
	})}
	c := newTestConsumer(reader, baseConsumerConfig())

	received := make(chan *Message, 1)
	c.Subscribe(TopicDetectionsRaw, func(_ context.Context, msg *Message) error {
		received <- msg
		return nil
	})

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	select {
	case msg := <-received:
		assert.Equal(t, TopicDetectionsRaw, msg.Topic)
		assert.Equal(t, int64(7), msg.Offset)
		assert.Equal(t, `{"dataset_id":3}`, string(msg.Value))
		assert.Equal(t, "extractor", msg.Headers["source"])
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	require.Eventually(t, func() bool { return reader.commitCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Consumed)
	assert.Equal(t, int64(1), stats.Processed)
	assert.False(t, stats.LastConsumedAt.IsZero())
}

func TestConsumer_NoHandlerStillCommits(t *testing.T) {
	reader := &fakeReader{fetchFunc: fetchOnce(kafka.Message{
		Topic: "unrelated.topic",
		Value: []byte("x"),
	})}
	c := newTestConsumer(reader, baseConsumerConfig())

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return reader.commitCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), c.Stats().Processed)
}

// ─────────────────────────────────────────────────────────────────────────────
// Retries and dead-lettering
// ─────────────────────────────────────────────────────────────────────────────

func TestConsumer_RetryThenSuccess(t *testing.T) {
	cfg := baseConsumerConfig()
	cfg.Retry = RetryConfig{MaxRetries: 3, Backoff: time.Millisecond}
	c := newTestConsumer(&fakeReader{}, cfg)

	attempts := 0
	handler := func(context.Context, *Message) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient failure")
		}
		return nil
	}

	err := c.handleWithRetry(context.Background(), &Message{Topic: TopicDetectionsRaw}, handler)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int64(2), c.Stats().Retried)
}

func TestConsumer_RetriesExhaustedDeadLetters(t *testing.T) {
	writer := &fakeWriter{}
	dlq := newTestProducer(t, writer)

	cfg := baseConsumerConfig()
	cfg.Retry = RetryConfig{MaxRetries: 2, Backoff: time.Millisecond, DeadLetterTopic: TopicDetectionsDLQ}
	c := newTestConsumer(&fakeReader{}, cfg)
	c.dlq = dlq

	msg := &Message{
		Topic:   TopicDetectionsRaw,
		Offset:  11,
		Key:     []byte("3"),
		Value:   []byte("poison"),
		Headers: map[string]string{"source": "extractor"},
	}
	handler := func(context.Context, *Message) error { return errors.New("permanent failure") }

	err := c.handleWithRetry(context.Background(), msg, handler)
	require.NoError(t, err, "a dead-lettered message is handled, not failed")

	writes := writer.messages()
	require.Len(t, writes, 1)
	assert.Equal(t, TopicDetectionsDLQ, writes[0].Topic)
	assert.Equal(t, []byte("poison"), writes[0].Value)

	headers := make(map[string]string)
	for _, h := range writes[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, TopicDetectionsRaw, headers["original_topic"])
	assert.Equal(t, "permanent failure", headers["error"])
	assert.Equal(t, "extractor", headers["source"])

	assert.Equal(t, int64(1), c.Stats().DeadLettered)
	assert.Equal(t, int64(2), c.Stats().Retried)
}

func TestConsumer_DeadLetterWriteFailureSurfaces(t *testing.T) {
	writer := &fakeWriter{err: assert.AnError}
	dlq := newTestProducer(t, writer)

	cfg := baseConsumerConfig()
	cfg.Retry = RetryConfig{MaxRetries: 1, Backoff: time.Millisecond, DeadLetterTopic: TopicDetectionsDLQ}
	c := newTestConsumer(&fakeReader{}, cfg)
	c.dlq = dlq

	handler := func(context.Context, *Message) error { return errors.New("permanent failure") }
	err := c.handleWithRetry(context.Background(), &Message{Topic: TopicDetectionsRaw, Value: []byte("x")}, handler)
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.CodeMessagingError))
	assert.Equal(t, int64(0), c.Stats().DeadLettered)
}

func TestConsumer_DropsWithoutDeadLetterTopic(t *testing.T) {
	cfg := baseConsumerConfig()
	cfg.Retry = RetryConfig{MaxRetries: 1, Backoff: time.Millisecond}
	c := newTestConsumer(&fakeReader{}, cfg)

	handler := func(context.Context, *Message) error { return errors.New("permanent failure") }
	err := c.handleWithRetry(context.Background(), &Message{Topic: TopicDetectionsRaw}, handler)
	assert.NoError(t, err, "without a dead-letter topic the message is dropped")
}

func TestConsumer_RetryRespectsContext(t *testing.T) {
	cfg := baseConsumerConfig()
	cfg.Retry = RetryConfig{MaxRetries: 5, Backoff: time.Hour}
	c := newTestConsumer(&fakeReader{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handler := func(context.Context, *Message) error { return errors.New("failure") }
	err := c.handleWithRetry(ctx, &Message{Topic: TopicDetectionsRaw}, handler)
	assert.ErrorIs(t, err, context.Canceled)
}
