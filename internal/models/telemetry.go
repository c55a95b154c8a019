package models

import (
	"time"

	"github.com/google/uuid"
)

// Metric names carried by a telemetry heartbeat. These double as the wire keys
// and the column names of the telemetry table.
const (
	MetricCPUUsage     = "cpu_usage"
	MetricRAMUsage     = "ram_usage"
	MetricDiskFree     = "disk_free"
	MetricTemperature  = "temperature"
	MetricLatency      = "latency"
	MetricConnectivity = "connectivity"
)

// MetricNames lists every known metric in wire order.
var MetricNames = []string{
	MetricCPUUsage,
	MetricRAMUsage,
	MetricDiskFree,
	MetricTemperature,
	MetricLatency,
	MetricConnectivity,
}

// IsMetric reports whether name is a known metric.
func IsMetric(name string) bool {
	for _, m := range MetricNames {
		if m == name {
			return true
		}
	}
	return false
}

// Metrics holds the optional numeric readings of a heartbeat.
// A nil field means the device did not report it.
type Metrics struct {
	CPUUsage     *float64 `json:"cpu_usage"`
	RAMUsage     *float64 `json:"ram_usage"`
	DiskFree     *float64 `json:"disk_free"`
	Temperature  *float64 `json:"temperature"`
	Latency      *float64 `json:"latency"`
	Connectivity *float64 `json:"connectivity"`
}

func (m *Metrics) field(name string) **float64 {
	switch name {
	case MetricCPUUsage:
		return &m.CPUUsage
	case MetricRAMUsage:
		return &m.RAMUsage
	case MetricDiskFree:
		return &m.DiskFree
	case MetricTemperature:
		return &m.Temperature
	case MetricLatency:
		return &m.Latency
	case MetricConnectivity:
		return &m.Connectivity
	}
	return nil
}

// Value returns the reading for name and whether it was reported.
func (m Metrics) Value(name string) (float64, bool) {
	f := m.field(name)
	if f == nil || *f == nil {
		return 0, false
	}
	return **f, true
}

// Set stores v under name. Unknown names are ignored.
func (m *Metrics) Set(name string, v float64) {
	if f := m.field(name); f != nil {
		*f = &v
	}
}

// Count returns how many metrics were reported.
func (m Metrics) Count() int {
	n := 0
	for _, name := range MetricNames {
		if _, ok := m.Value(name); ok {
			n++
		}
	}
	return n
}

// TelemetryEnvelope is a decoded heartbeat in flight between the ingestion
// boundary and the consumers.
type TelemetryEnvelope struct {
	// DeviceID is valid only when Routable is true.
	DeviceID uuid.UUID
	// RawDeviceID is the identifier exactly as received, kept for logging.
	RawDeviceID string
	// Routable is false when the device identifier was absent or malformed.
	Routable bool

	Metrics Metrics

	// BootDate is nil when the timestamp was absent or unparseable.
	BootDate *time.Time

	ReceivedAt time.Time
	IngestNode string
}

// PartitionKey keeps a device's heartbeats on one partition.
func (e *TelemetryEnvelope) PartitionKey() string {
	if e.Routable {
		return e.DeviceID.String()
	}
	return e.RawDeviceID
}

// TelemetryRecord is the durable row produced from one accepted envelope.
// Records are never updated; several per device and time window are expected.
type TelemetryRecord struct {
	ID        int64
	DeviceID  uuid.UUID
	Metrics   Metrics
	BootDate  *time.Time
	CreatedAt time.Time
}

// NewRecord converts a routable envelope into the record to persist.
func NewRecord(e *TelemetryEnvelope) *TelemetryRecord {
	return &TelemetryRecord{
		DeviceID:  e.DeviceID,
		Metrics:   e.Metrics,
		BootDate:  e.BootDate,
		CreatedAt: time.Now().UTC(),
	}
}
