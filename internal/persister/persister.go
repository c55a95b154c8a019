// Package persister turns telemetry envelopes from the broker into durable
// telemetry records.
package persister

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"heartbeat/internal/logger"
	"heartbeat/internal/metrics"
	"heartbeat/internal/models"
	"heartbeat/internal/storage"
)

// Persister is the persistence consumer's message handler.
type Persister struct {
	store storage.TelemetryWriter
	log   zerolog.Logger
}

// New creates a persister writing through store.
func New(store storage.TelemetryWriter) *Persister {
	return &Persister{
		store: store,
		log:   logger.WithComponent("persister"),
	}
}

// Handle decodes one broker message and persists it. It matches kafka.Handler.
// A payload that is not a JSON object can never succeed and is acknowledged.
func (p *Persister) Handle(ctx context.Context, msg kafkago.Message) error {
	env, err := models.Decode(msg.Value)
	if err != nil {
		metrics.PersistenceSkippedTotal.WithLabelValues("decode").Inc()
		p.log.Warn().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("dropping undecodable telemetry")
		return nil
	}
	return p.Persist(ctx, env)
}

// Persist writes one record for env. Unroutable envelopes and devices that are
// not registered are skipped with a nil error; any other storage failure is
// returned so the message stays unacknowledged.
func (p *Persister) Persist(ctx context.Context, env *models.TelemetryEnvelope) error {
	if !env.Routable {
		metrics.PersistenceSkippedTotal.WithLabelValues("unroutable").Inc()
		p.log.Warn().
			Str("raw_device_id", env.RawDeviceID).
			Msg("skipping telemetry without a valid device id")
		return nil
	}

	rec := models.NewRecord(env)
	id, err := p.store.InsertTelemetry(ctx, rec)
	if errors.Is(err, storage.ErrUnknownDevice) {
		metrics.PersistenceSkippedTotal.WithLabelValues("unknown_device").Inc()
		p.log.Warn().
			Str("device_id", env.DeviceID.String()).
			Msg("skipping telemetry for unregistered device")
		return nil
	}
	if err != nil {
		return err
	}

	metrics.PersistenceWrittenTotal.Inc()
	p.log.Debug().
		Str("device_id", env.DeviceID.String()).
		Int64("record_id", id).
		Int("metrics", env.Metrics.Count()).
		Msg("telemetry persisted")
	return nil
}
