// Package notifier evaluates notification rules against incoming telemetry and
// hands fired alerts to the realtime dispatcher.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"heartbeat/internal/alerts"
	"heartbeat/internal/logger"
	"heartbeat/internal/metrics"
	"heartbeat/internal/models"
	"heartbeat/internal/storage"
)

// DeviceResolver maps a device to its owner. It returns
// storage.ErrDeviceNotFound when the device is unknown.
type DeviceResolver interface {
	OwnerOf(ctx context.Context, deviceID uuid.UUID) (uuid.UUID, error)
}

// RuleSource loads the rules of userID that are global or scoped to deviceID.
type RuleSource interface {
	RulesFor(ctx context.Context, userID, deviceID uuid.UUID) ([]alerts.NotificationRule, error)
}

// Dispatcher accepts alerts for delivery. Deliver must not block; it reports
// whether the alert was queued.
type Dispatcher interface {
	Deliver(userID uuid.UUID, event alerts.AlertEvent) bool
}

// Notifier is the notification consumer's message handler.
type Notifier struct {
	owners     DeviceResolver
	rules      RuleSource
	dispatcher Dispatcher
	log        zerolog.Logger
}

// New creates a notifier. The dispatcher is fixed for the notifier's lifetime.
func New(owners DeviceResolver, rules RuleSource, dispatcher Dispatcher) *Notifier {
	return &Notifier{
		owners:     owners,
		rules:      rules,
		dispatcher: dispatcher,
		log:        logger.WithComponent("notifier"),
	}
}

// Handle decodes one broker message and evaluates it. It matches kafka.Handler.
func (n *Notifier) Handle(ctx context.Context, msg kafkago.Message) error {
	env, err := models.Decode(msg.Value)
	if err != nil {
		metrics.NotificationSkippedTotal.WithLabelValues("decode").Inc()
		n.log.Warn().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("dropping undecodable telemetry")
		return nil
	}
	_, err = n.Evaluate(ctx, env)
	return err
}

// Evaluate runs the owner's applicable rules against env and dispatches one
// alert per rule that fires. It returns the number of alerts handed to the
// dispatcher. Envelopes whose device cannot be resolved yield no alerts and a
// nil error; lookup failures are returned for redelivery.
func (n *Notifier) Evaluate(ctx context.Context, env *models.TelemetryEnvelope) (int, error) {
	if !env.Routable {
		metrics.NotificationSkippedTotal.WithLabelValues("unroutable").Inc()
		n.log.Warn().
			Str("raw_device_id", env.RawDeviceID).
			Msg("skipping telemetry without a valid device id")
		return 0, nil
	}

	owner, err := n.owners.OwnerOf(ctx, env.DeviceID)
	if errors.Is(err, storage.ErrDeviceNotFound) {
		metrics.NotificationSkippedTotal.WithLabelValues("unknown_device").Inc()
		n.log.Warn().
			Str("device_id", env.DeviceID.String()).
			Msg("no owner for device, skipping rule evaluation")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve owner: %w", err)
	}

	rules, err := n.rules.RulesFor(ctx, owner, env.DeviceID)
	if err != nil {
		return 0, fmt.Errorf("load rules: %w", err)
	}

	fired := 0
	for _, rule := range rules {
		if rule.UserID != owner || !rule.AppliesTo(env.DeviceID) {
			continue
		}

		value, ok := rule.Check(env.Metrics)
		if !ok {
			continue
		}

		event := alerts.NewAlertEvent(rule, env.DeviceID, value)
		metrics.AlertsFiredTotal.WithLabelValues(rule.Metric).Inc()
		fired++

		queued := n.dispatcher.Deliver(owner, event)
		n.log.Info().
			Str("user_id", owner.String()).
			Str("device_id", env.DeviceID.String()).
			Int64("rule_id", rule.ID).
			Str("metric", rule.Metric).
			Float64("value", value).
			Bool("queued", queued).
			Msg("alert fired")
	}

	return fired, nil
}
