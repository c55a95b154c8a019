// Package storage holds the relational collaborators of the pipeline:
// telemetry rows, device ownership and notification rules.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"heartbeat/internal/alerts"
	"heartbeat/internal/models"
)

var (
	// ErrDeviceNotFound means no device row exists for the identifier.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrUnknownDevice means a telemetry insert referenced an unregistered device.
	ErrUnknownDevice = errors.New("telemetry references an unknown device")
)

// TelemetryWriter persists telemetry records.
type TelemetryWriter interface {
	InsertTelemetry(ctx context.Context, rec *models.TelemetryRecord) (int64, error)
}

// OwnerLookup resolves the user owning a device.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, deviceID uuid.UUID) (uuid.UUID, error)
}

// RuleReader returns the rules a user defined that apply to a device.
type RuleReader interface {
	RulesFor(ctx context.Context, userID, deviceID uuid.UUID) ([]alerts.NotificationRule, error)
}
