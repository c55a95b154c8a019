package kafka

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"heartbeat/internal/config"
	"heartbeat/internal/logger"
	"heartbeat/internal/metrics"
)

// Handler processes one message. A nil return acknowledges the message; an
// error leaves it uncommitted so the group redelivers it after a reconnect.
type Handler func(ctx context.Context, msg kafka.Message) error

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerGroup reads the telemetry topic as one member of a consumer group and
// commits each message only after its handler succeeded.
type ConsumerGroup struct {
	cfg     config.ConsumerConfig
	brokers []string
	topic   string
	handler Handler
	log     zerolog.Logger

	newReader func() Reader

	processed  atomic.Uint64
	failed     atomic.Uint64
	reconnects atomic.Uint64
	panics     atomic.Uint64
}

// ConsumerOption is a functional option for configuring a consumer group
type ConsumerOption func(*ConsumerGroup)

// WithReaderFactory replaces the kafka-go reader, mainly for tests.
func WithReaderFactory(f func() Reader) ConsumerOption {
	return func(c *ConsumerGroup) {
		c.newReader = f
	}
}

// NewConsumerGroup creates a consumer for cfg.GroupID. Nothing connects until Run.
func NewConsumerGroup(brokers []string, topic string, cfg config.ConsumerConfig, handler Handler, opts ...ConsumerOption) (*ConsumerGroup, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("group id is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}

	c := &ConsumerGroup{
		cfg:     cfg,
		brokers: brokers,
		topic:   topic,
		handler: handler,
		log:     logger.WithComponent("kafka_consumer").With().Str("group", cfg.GroupID).Logger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.newReader == nil {
		c.newReader = func() Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:        brokers,
				Topic:          topic,
				GroupID:        cfg.GroupID,
				MinBytes:       1,
				MaxBytes:       10e6,
				MaxWait:        cfg.MaxWait,
				QueueCapacity:  1,
				CommitInterval: 0, // synchronous commits
				StartOffset:    kafka.FirstOffset,
				ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
					c.log.Error().Msgf(msg, args...)
				}),
			})
		}
	}

	return c, nil
}

// Group returns the consumer group id.
func (c *ConsumerGroup) Group() string {
	return c.cfg.GroupID
}

// Run consumes until ctx is cancelled. Any fetch, handler, or commit failure
// closes the reader and opens a fresh one after the retry backoff, which
// resumes from the last committed offset.
func (c *ConsumerGroup) Run(ctx context.Context) error {
	c.log.Info().
		Str("topic", c.topic).
		Strs("brokers", c.brokers).
		Msg("consumer started")

	for {
		if ctx.Err() != nil {
			break
		}

		reader := c.newReader()
		err := c.consume(ctx, reader)
		if cerr := reader.Close(); cerr != nil {
			c.log.Warn().Err(cerr).Msg("failed to close reader")
		}

		if ctx.Err() != nil {
			break
		}

		c.reconnects.Add(1)
		metrics.ConsumerReconnectsTotal.WithLabelValues(c.cfg.GroupID).Inc()
		c.log.Warn().
			Err(err).
			Dur("backoff", c.cfg.RetryBackoff).
			Msg("consumer interrupted, reconnecting")

		select {
		case <-time.After(c.cfg.RetryBackoff):
		case <-ctx.Done():
		}
	}

	c.log.Info().Msg("consumer stopped")
	return nil
}

// consume processes messages strictly one at a time until something fails.
func (c *ConsumerGroup) consume(ctx context.Context, reader Reader) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}

		if err := c.process(ctx, reader, msg); err != nil {
			return err
		}
	}
}

// process runs the handler and commits on success. The handler context is
// detached from ctx so a shutdown does not abort a message halfway.
func (c *ConsumerGroup) process(ctx context.Context, reader Reader, msg kafka.Message) error {
	start := time.Now()
	hctx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if c.cfg.HandlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(hctx, c.cfg.HandlerTimeout)
	}
	defer cancel()

	defer func() {
		metrics.ConsumerHandleDuration.WithLabelValues(c.cfg.GroupID).Observe(time.Since(start).Seconds())
	}()

	if err := c.handle(hctx, msg); err != nil {
		c.failed.Add(1)
		metrics.ConsumerMessagesTotal.WithLabelValues(c.cfg.GroupID, "nacked").Inc()
		return fmt.Errorf("handle partition %d offset %d: %w", msg.Partition, msg.Offset, err)
	}

	if err := reader.CommitMessages(hctx, msg); err != nil {
		return fmt.Errorf("commit partition %d offset %d: %w", msg.Partition, msg.Offset, err)
	}

	c.processed.Add(1)
	metrics.ConsumerMessagesTotal.WithLabelValues(c.cfg.GroupID, "acked").Inc()
	return nil
}

// handle invokes the handler. A panic is logged and the message treated as
// handled, otherwise it would be redelivered forever.
func (c *ConsumerGroup) handle(ctx context.Context, msg kafka.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			metrics.PanicsRecovered.WithLabelValues(c.cfg.GroupID).Inc()
			c.log.Error().
				Interface("panic", r).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Str("stack", string(debug.Stack())).
				Msg("panic in message handler, message dropped")
			err = nil
		}
	}()

	return c.handler(ctx, msg)
}

// Stats returns consumer statistics
func (c *ConsumerGroup) Stats() ConsumerStats {
	return ConsumerStats{
		Group:           c.cfg.GroupID,
		Processed:       c.processed.Load(),
		Failed:          c.failed.Load(),
		Reconnects:      c.reconnects.Load(),
		PanicsRecovered: c.panics.Load(),
	}
}

// ConsumerStats holds consumer metrics
type ConsumerStats struct {
	Group           string `json:"group"`
	Processed       uint64 `json:"processed"`
	Failed          uint64 `json:"failed"`
	Reconnects      uint64 `json:"reconnects"`
	PanicsRecovered uint64 `json:"panics_recovered"`
}
