package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// fakeWriter records written messages; shared with the consumer tests for
// the dead-letter path.
type fakeWriter struct {
	mu     sync.Mutex
	writes []kafka.Message
	err    error
	closed int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeWriter) Stats() kafka.WriterStats { return kafka.WriterStats{} }

func (f *fakeWriter) messages() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kafka.Message, len(f.writes))
	copy(out, f.writes)
	return out
}

// newTestProducer builds a producer through NewProducer, so defaults apply,
// then swaps in the fake writer.
func newTestProducer(t *testing.T, w WriterInterface) *Producer {
	t.Helper()
	p, err := NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	p.writer = w
	return p
}

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

func TestValidateProducerConfig(t *testing.T) {
	assert.NoError(t, validateProducerConfig(ProducerConfig{Brokers: []string{"localhost:9092"}}))

	err := validateProducerConfig(ProducerConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")

	err = validateProducerConfig(ProducerConfig{Brokers: []string{"localhost:9092"}, MaxRetries: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries")
}

func TestNewProducer_Defaults(t *testing.T) {
	p, err := NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 100, p.config.BatchSize)
	assert.Equal(t, time.Second, p.config.BatchTimeout)
	assert.Equal(t, 1024*1024, p.config.MaxMessageBytes)
	assert.Equal(t, 10*time.Second, p.config.WriteTimeout)

	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.IsType(t, &kafka.Hash{}, w.Balancer, "per-key ordering needs the hash balancer")
	assert.Equal(t, 1, w.MaxAttempts)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
	assert.False(t, w.AllowAutoTopicCreation)
}

func TestNewProducer_Options(t *testing.T) {
	p, err := NewProducer(ProducerConfig{
		Brokers:                []string{"localhost:9092"},
		Acks:                   "all",
		MaxRetries:             4,
		Compression:            "zstd",
		AllowAutoTopicCreation: true,
	}, nil)
	require.NoError(t, err)
	defer p.Close()

	w := p.writer.(*kafka.Writer)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.Equal(t, 5, w.MaxAttempts)
	assert.Equal(t, kafka.Zstd, w.Compression)
	assert.True(t, w.AllowAutoTopicCreation)

	p, err = NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}, Acks: "none"}, nil)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, kafka.RequireNone, p.writer.(*kafka.Writer).RequiredAcks)
}

// ─────────────────────────────────────────────────────────────────────────────
// Publishing
// ─────────────────────────────────────────────────────────────────────────────

func TestProducer_Publish(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestProducer(t, writer)

	sent := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	err := p.Publish(context.Background(), &ProducerMessage{
		Topic:     TopicDecisions,
		Key:       []byte("42"),
		Value:     []byte(`{"batch_id":"b-1"}`),
		Headers:   map[string]string{"batch_id": "b-1"},
		Timestamp: sent,
	})
	require.NoError(t, err)

	writes := writer.messages()
	require.Len(t, writes, 1)
	assert.Equal(t, TopicDecisions, writes[0].Topic)
	assert.Equal(t, []byte("42"), writes[0].Key)
	assert.Equal(t, sent, writes[0].Time)
	require.Len(t, writes[0].Headers, 1)
	assert.Equal(t, "batch_id", writes[0].Headers[0].Key)
	assert.Equal(t, "b-1", string(writes[0].Headers[0].Value))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(len(`{"batch_id":"b-1"}`)), stats.BytesSent)
	assert.False(t, stats.LastSentAt.IsZero())
}

func TestProducer_PublishFillsTimestamp(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestProducer(t, writer)

	err := p.Publish(context.Background(), &ProducerMessage{Topic: TopicDecisions, Value: []byte("x")})
	require.NoError(t, err)
	assert.False(t, writer.messages()[0].Time.IsZero())
}

func TestProducer_PublishValidation(t *testing.T) {
	p := newTestProducer(t, &fakeWriter{})

	err := p.Publish(context.Background(), &ProducerMessage{Value: []byte("x")})
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.CodeValidation))

	err = p.Publish(context.Background(), &ProducerMessage{Topic: TopicDecisions})
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.CodeValidation))
}

func TestProducer_PublishOversize(t *testing.T) {
	p, err := NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}, MaxMessageBytes: 8}, nil)
	require.NoError(t, err)
	p.writer = &fakeWriter{}

	err = p.Publish(context.Background(), &ProducerMessage{Topic: TopicDecisions, Value: []byte("123456789")})
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.CodeValidation))
	assert.Contains(t, err.Error(), "exceeds the 8 byte limit")
}

func TestProducer_WriteError(t *testing.T) {
	p := newTestProducer(t, &fakeWriter{err: assert.AnError})

	err := p.Publish(context.Background(), &ProducerMessage{Topic: TopicDecisions, Value: []byte("x")})
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.CodeMessagingError))
	assert.Contains(t, err.Error(), TopicDecisions)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Sent)
}

func TestProducer_PublishAfterClose(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestProducer(t, writer)

	require.NoError(t, p.Close())
	err := p.Publish(context.Background(), &ProducerMessage{Topic: TopicDecisions, Value: []byte("x")})
	assert.ErrorIs(t, err, ErrProducerClosed)
}

func TestProducer_CloseIdempotent(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestProducer(t, writer)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, writer.closed)
}
