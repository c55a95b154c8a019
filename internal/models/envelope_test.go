package models

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_FullPayload(t *testing.T) {
	id := uuid.New()
	body := `{
		"device_uuid": "` + id.String() + `",
		"cpu_usage": 55.0,
		"ram_usage": 30.5,
		"temperature": 45.2,
		"latency": 10,
		"connectivity": 1,
		"boot_date": "2025-09-26T10:00:00Z"
	}`

	env, err := Decode([]byte(body))
	require.NoError(t, err)

	assert.True(t, env.Routable)
	assert.Equal(t, id, env.DeviceID)

	cpu, ok := env.Metrics.Value(MetricCPUUsage)
	assert.True(t, ok)
	assert.Equal(t, 55.0, cpu)

	require.NotNil(t, env.BootDate)
	assert.Equal(t, time.Date(2025, 9, 26, 10, 0, 0, 0, time.UTC), *env.BootDate)
}

func TestDecode_AbsentMetricsAreNil(t *testing.T) {
	env, err := Decode([]byte(`{"device_uuid":"` + uuid.NewString() + `","cpu_usage":0}`))
	require.NoError(t, err)

	cpu, ok := env.Metrics.Value(MetricCPUUsage)
	assert.True(t, ok, "explicit zero must be kept")
	assert.Zero(t, cpu)

	assert.Nil(t, env.Metrics.RAMUsage)
	assert.Nil(t, env.Metrics.DiskFree)
	assert.Nil(t, env.Metrics.Temperature)
	assert.Equal(t, 1, env.Metrics.Count())
}

func TestDecode_MalformedDeviceIsUnroutable(t *testing.T) {
	cases := map[string]string{
		"missing":    `{"cpu_usage": 10}`,
		"malformed":  `{"device_uuid": "not-a-uuid", "cpu_usage": 10}`,
		"nil uuid":   `{"device_uuid": "00000000-0000-0000-0000-000000000000", "cpu_usage": 10}`,
		"wrong type": `{"device_uuid": 42, "cpu_usage": 10}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := Decode([]byte(body))
			require.NoError(t, err)
			assert.False(t, env.Routable)

			cpu, ok := env.Metrics.Value(MetricCPUUsage)
			assert.True(t, ok)
			assert.Equal(t, 10.0, cpu)
		})
	}
}

func TestDecode_BadTimestampKeepsMetrics(t *testing.T) {
	env, err := Decode([]byte(`{"device_uuid":"` + uuid.NewString() + `","boot_date":"yesterday","temperature":71.5}`))
	require.NoError(t, err)

	assert.Nil(t, env.BootDate)
	temp, ok := env.Metrics.Value(MetricTemperature)
	assert.True(t, ok)
	assert.Equal(t, 71.5, temp)
}

func TestDecode_LenientMetricTypes(t *testing.T) {
	env, err := Decode([]byte(`{
		"device_uuid": "` + uuid.NewString() + `",
		"connectivity": true,
		"latency": "12.5",
		"cpu_usage": "high",
		"ram_usage": {"value": 3}
	}`))
	require.NoError(t, err)

	conn, ok := env.Metrics.Value(MetricConnectivity)
	assert.True(t, ok)
	assert.Equal(t, 1.0, conn)

	lat, ok := env.Metrics.Value(MetricLatency)
	assert.True(t, ok)
	assert.Equal(t, 12.5, lat)

	assert.Nil(t, env.Metrics.CPUUsage)
	assert.Nil(t, env.Metrics.RAMUsage)
}

func TestDecode_RejectsNonObject(t *testing.T) {
	for _, body := range []string{``, `[]`, `"x"`, `{"device_uuid":`, `null`} {
		_, err := Decode([]byte(body))
		var decErr *DecodeError
		assert.True(t, errors.As(err, &decErr), "body %q", body)
	}
}

func TestEncodeDecode_PreservesNulls(t *testing.T) {
	boot := time.Date(2025, 1, 2, 3, 4, 5, 600, time.UTC)
	in := &TelemetryEnvelope{
		DeviceID:   uuid.New(),
		Routable:   true,
		BootDate:   &boot,
		ReceivedAt: time.Now().UTC().Truncate(time.Millisecond),
		IngestNode: "node-a",
	}
	in.Metrics.Set(MetricCPUUsage, 95)

	data, err := Encode(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ram_usage":null`)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.DeviceID, out.DeviceID)
	assert.Equal(t, in.Metrics, out.Metrics)
	require.NotNil(t, out.BootDate)
	assert.True(t, boot.Equal(*out.BootDate))
	assert.True(t, in.ReceivedAt.Equal(out.ReceivedAt))
	assert.Equal(t, "node-a", out.IngestNode)
}

func TestEncode_UnroutableKeepsRawID(t *testing.T) {
	data, err := Encode(&TelemetryEnvelope{RawDeviceID: "sensor-7"})
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.False(t, out.Routable)
	assert.Equal(t, "sensor-7", out.RawDeviceID)
}
