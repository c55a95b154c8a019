package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"heartbeat/internal/logger"
)

// Ping succeeds as soon as one broker accepts a connection and returns its
// broker list.
func Ping(ctx context.Context, brokers []string) error {
	var errs []error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("no brokers configured")
	}
	return fmt.Errorf("kafka unreachable: %w", errors.Join(errs...))
}

// WaitForBroker blocks until Ping succeeds or ctx ends.
func WaitForBroker(ctx context.Context, brokers []string, interval time.Duration) error {
	log := logger.WithComponent("kafka")
	for attempt := 1; ; attempt++ {
		err := Ping(ctx, brokers)
		if err == nil {
			log.Info().Strs("brokers", brokers).Msg("kafka is reachable")
			return nil
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", interval).
			Msg("waiting for kafka")

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// EnsureTopic creates the topic through the cluster controller. An existing
// topic is left untouched.
func EnsureTopic(ctx context.Context, brokers []string, topic string, partitions, replicationFactor int) error {
	if len(brokers) == 0 {
		return errors.New("at least one broker is required")
	}
	if partitions <= 0 {
		partitions = 1
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}

	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	cconn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", addr, err)
	}
	defer cconn.Close()

	err = cconn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: replicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}

	log := logger.WithComponent("kafka")
	log.Info().
		Str("topic", topic).
		Int("partitions", partitions).
		Msg("topic ready")
	return nil
}
