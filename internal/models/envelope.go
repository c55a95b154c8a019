package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Wire keys outside the metric set
const (
	KeyDeviceUUID = "device_uuid"
	KeyDeviceID   = "device_id"
	KeyBootDate   = "boot_date"
	KeyReceivedAt = "received_at"
	KeyIngestNode = "ingest_node"
)

// ErrNotObject is wrapped by DecodeError when the payload is not a JSON object.
var ErrNotObject = errors.New("telemetry payload must be a JSON object")

// DecodeError reports a payload that could not be read as an envelope at all.
// Field-level problems never produce a DecodeError; they degrade to nil fields.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode telemetry: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses a telemetry payload. A missing or malformed device identifier
// yields an unroutable envelope, an unparseable boot_date yields a nil
// BootDate, and a non-numeric metric is treated as absent.
func Decode(raw []byte) (*TelemetryEnvelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, &DecodeError{Err: ErrNotObject}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Err: err}
	}

	env := &TelemetryEnvelope{}

	rawID := stringField(fields[KeyDeviceUUID])
	if rawID == "" {
		rawID = stringField(fields[KeyDeviceID])
	}
	env.RawDeviceID = rawID
	if id, err := uuid.Parse(rawID); err == nil && id != uuid.Nil {
		env.DeviceID = id
		env.Routable = true
	}

	for _, name := range MetricNames {
		if v, ok := numberField(fields[name]); ok {
			env.Metrics.Set(name, v)
		}
	}

	if ts, err := ParseTimestamp(stringField(fields[KeyBootDate])); err == nil {
		env.BootDate = &ts
	}
	if ts, err := ParseTimestamp(stringField(fields[KeyReceivedAt])); err == nil {
		env.ReceivedAt = ts
	}
	env.IngestNode = stringField(fields[KeyIngestNode])

	return env, nil
}

// Encode renders the canonical wire form of an envelope. Absent metrics are
// written as null so consumers can tell them apart from zero.
func Encode(e *TelemetryEnvelope) ([]byte, error) {
	out := make(map[string]any, len(MetricNames)+4)

	if e.Routable {
		out[KeyDeviceUUID] = e.DeviceID.String()
	} else if e.RawDeviceID != "" {
		out[KeyDeviceUUID] = e.RawDeviceID
	}

	for _, name := range MetricNames {
		if v, ok := e.Metrics.Value(name); ok {
			out[name] = v
		} else {
			out[name] = nil
		}
	}

	if e.BootDate != nil {
		out[KeyBootDate] = e.BootDate.UTC().Format(time.RFC3339Nano)
	} else {
		out[KeyBootDate] = nil
	}
	if !e.ReceivedAt.IsZero() {
		out[KeyReceivedAt] = e.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	if e.IngestNode != "" {
		out[KeyIngestNode] = e.IngestNode
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode telemetry: %w", err)
	}
	return data, nil
}

func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func numberField(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}

	switch t := v.(type) {
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
