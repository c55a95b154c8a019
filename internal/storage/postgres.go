package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"heartbeat/internal/alerts"
	"heartbeat/internal/logger"
	"heartbeat/internal/models"
)

const foreignKeyViolation = "23503"

const insertTelemetrySQL = `INSERT INTO telemetry (device_uuid, cpu_usage, ram_usage, disk_free, temperature, latency, connectivity, boot_date, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`

const ownerOfSQL = `SELECT user_id FROM devices WHERE uuid = $1`

const rulesForSQL = `SELECT id, user_id, device_uuid, parameter, operator, threshold, message FROM notifications WHERE user_id = $1 AND (device_uuid IS NULL OR device_uuid = $2) ORDER BY id`

// Postgres implements the storage interfaces on a *sql.DB opened with the pgx driver.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// InsertTelemetry writes one record in its own transaction and returns the new
// row id. Any failure rolls the transaction back. A foreign key violation on
// the device column is reported as ErrUnknownDevice.
func (p *Postgres) InsertTelemetry(ctx context.Context, rec *models.TelemetryRecord) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after Commit

	var bootDate sql.NullTime
	if rec.BootDate != nil {
		bootDate = sql.NullTime{Time: *rec.BootDate, Valid: true}
	}

	var id int64
	err = tx.QueryRowContext(ctx, insertTelemetrySQL,
		rec.DeviceID,
		nullFloat(rec.Metrics.CPUUsage),
		nullFloat(rec.Metrics.RAMUsage),
		nullFloat(rec.Metrics.DiskFree),
		nullFloat(rec.Metrics.Temperature),
		nullFloat(rec.Metrics.Latency),
		nullFloat(rec.Metrics.Connectivity),
		bootDate,
		rec.CreatedAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, rec.DeviceID)
		}
		return 0, fmt.Errorf("insert telemetry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	rec.ID = id
	return id, nil
}

// OwnerOf returns the user id owning deviceID, or ErrDeviceNotFound.
func (p *Postgres) OwnerOf(ctx context.Context, deviceID uuid.UUID) (uuid.UUID, error) {
	var owner uuid.UUID
	err := p.db.QueryRowContext(ctx, ownerOfSQL, deviceID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrDeviceNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("owner of %s: %w", deviceID, err)
	}
	return owner, nil
}

// RulesFor returns userID's rules that are global or scoped to deviceID, in id
// order. Rows whose metric or operator is outside the known sets are skipped.
func (p *Postgres) RulesFor(ctx context.Context, userID, deviceID uuid.UUID) ([]alerts.NotificationRule, error) {
	rows, err := p.db.QueryContext(ctx, rulesForSQL, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("rules for %s: %w", userID, err)
	}
	defer rows.Close()

	log := logger.WithComponent("storage")
	var rules []alerts.NotificationRule
	for rows.Next() {
		var (
			id        int64
			owner     uuid.UUID
			scope     uuid.NullUUID
			metric    string
			operator  string
			threshold float64
			message   string
		)
		if err := rows.Scan(&id, &owner, &scope, &metric, &operator, &threshold, &message); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}

		var device *uuid.UUID
		if scope.Valid {
			device = &scope.UUID
		}

		rule, err := alerts.NewRule(owner, device, metric, operator, threshold, message)
		if err != nil {
			log.Warn().
				Err(err).
				Int64("rule_id", id).
				Str("user_id", owner.String()).
				Msg("skipping invalid notification rule")
			continue
		}
		rule.ID = id
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rules for %s: %w", userID, err)
	}
	return rules, nil
}

// Ping checks the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
