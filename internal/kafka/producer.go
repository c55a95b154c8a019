package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"heartbeat/internal/config"
	"heartbeat/internal/logger"
	"heartbeat/internal/metrics"
	"heartbeat/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// Writer is the subset of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes telemetry envelopes to the telemetry topic through a
// small pool of synchronous writers.
type Producer struct {
	cfg     config.ProducerConfig
	brokers []string
	topic   string
	writers []Writer
	pool    chan Writer
	closed  atomic.Bool

	newWriter func() Writer

	// Metrics
	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// ProducerOption is a functional option for configuring the producer
type ProducerOption func(*Producer)

// WithWriterFactory replaces the kafka-go writer, mainly for tests.
func WithWriterFactory(f func() Writer) ProducerOption {
	return func(p *Producer) {
		p.newWriter = f
	}
}

// NewProducer creates a new Kafka producer with the given configuration
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	if topic == "" {
		return nil, errors.New("topic is required")
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}

	p := &Producer{
		cfg:     cfg,
		brokers: brokers,
		topic:   topic,
		writers: make([]Writer, cfg.PoolSize),
		pool:    make(chan Writer, cfg.PoolSize),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.newWriter == nil {
		compression := getCompression(cfg.Compression)
		p.newWriter = func() Writer {
			return &kafka.Writer{
				Addr:                   kafka.TCP(brokers...),
				Topic:                  topic,
				Balancer:               &kafka.Hash{}, // Partition by device
				BatchSize:              cfg.BatchSize,
				BatchTimeout:           cfg.BatchTimeout,
				WriteTimeout:           cfg.WriteTimeout,
				RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
				Compression:            compression,
				MaxAttempts:            1, // retries are ours
				AllowAutoTopicCreation: true,
				Async:                  false, // publish result is the ingestion response
			}
		}
	}

	for i := 0; i < cfg.PoolSize; i++ {
		w := p.newWriter()
		p.writers[i] = w
		p.pool <- w
	}

	return p, nil
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// toMessage renders an envelope as a Kafka message keyed by device.
func toMessage(envelope *models.TelemetryEnvelope) (kafka.Message, error) {
	data, err := models.Encode(envelope)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	return kafka.Message{
		Key:   []byte(envelope.PartitionKey()),
		Value: data,
		Headers: []kafka.Header{
			{Key: models.KeyDeviceUUID, Value: []byte(envelope.PartitionKey())},
			{Key: models.KeyIngestNode, Value: []byte(envelope.IngestNode)},
		},
		Time: envelope.ReceivedAt,
	}, nil
}

// Publish writes one envelope and returns once the brokers acknowledged it.
func (p *Producer) Publish(ctx context.Context, envelope *models.TelemetryEnvelope) error {
	return p.PublishBatch(ctx, []*models.TelemetryEnvelope{envelope})
}

// PublishBatch writes several envelopes in one request. Either all of them are
// acknowledged or an error is returned.
func (p *Producer) PublishBatch(ctx context.Context, envelopes []*models.TelemetryEnvelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	if len(envelopes) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	start := time.Now()

	messages := make([]kafka.Message, 0, len(envelopes))
	for _, envelope := range envelopes {
		msg, err := toMessage(envelope)
		if err != nil {
			p.messagesFailed.Add(uint64(len(envelopes)))
			metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(envelopes)))
			return err
		}
		messages = append(messages, msg)
	}

	// Get writer from pool
	var writer Writer
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(uint64(len(messages)))
		return ctx.Err()
	}

	err := p.publishWithRetry(ctx, writer, messages)
	duration := time.Since(start)

	metrics.KafkaPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(messages)).
			Dur("duration", duration).
			Msg("failed to publish to kafka")
		p.messagesFailed.Add(uint64(len(messages)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return err
	}

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", duration).
		Msg("published to kafka")

	p.messagesSent.Add(uint64(len(messages)))
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))

	bytesTotal := uint64(0)
	for _, msg := range messages {
		bytesTotal += uint64(len(msg.Value))
	}
	p.bytesWritten.Add(bytesTotal)
	metrics.KafkaBytesWritten.Add(float64(bytesTotal))

	return nil
}

// publishWithRetry publishes messages with exponential backoff retry
func (p *Producer) publishWithRetry(ctx context.Context, writer Writer, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(messages)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("batch_size", len(messages)).
			Msg("kafka publish attempt failed")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// HealthCheck verifies that a broker answers.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	return Ping(ctx, p.brokers)
}
