package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartbeat/internal/alerts"
	"heartbeat/internal/config"
	"heartbeat/internal/models"
	"heartbeat/internal/realtime"
)

// The notifier runs on the consumer goroutine while the hub owns the
// subscriptions; alerts must cross only through Deliver.
func TestScenario_AlertReachesOwnerChannelOnly(t *testing.T) {
	hub := realtime.NewHub(config.Default().Realtime)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	u1Sub, err := hub.Subscribe(ctx, userU1)
	require.NoError(t, err)
	u2Sub, err := hub.Subscribe(ctx, userU2)
	require.NoError(t, err)

	d1 := deviceD1
	owners := &fakeOwners{owners: map[uuid.UUID]uuid.UUID{deviceD1: userU1, deviceD2: userU1, deviceD3: userU2}}
	n := New(owners, &fakeRules{rules: []alerts.NotificationRule{
		mustRule(t, 1, userU1, &d1, "cpu_usage", ">", 80, "CPU ALTA"),
	}}, hub)

	done := make(chan error, 1)
	go func() {
		_, err := n.Evaluate(context.Background(), envelope(deviceD1, models.MetricCPUUsage, 95))
		done <- err
	}()
	require.NoError(t, <-done)

	select {
	case ev := <-u1Sub.Events():
		assert.Equal(t, userU1, ev.UserID)
		assert.Equal(t, deviceD1, ev.DeviceID)
		assert.Contains(t, ev.Message, "CPU ALTA")
	case <-time.After(2 * time.Second):
		t.Fatal("U1 did not receive the alert")
	}

	// D2 below threshold produces nothing for anyone.
	fired, err := n.Evaluate(context.Background(), envelope(deviceD2, models.MetricCPUUsage, 30))
	require.NoError(t, err)
	assert.Zero(t, fired)

	time.Sleep(20 * time.Millisecond)
	select {
	case ev := <-u2Sub.Events():
		t.Fatalf("U2 received %+v", ev)
	case ev := <-u1Sub.Events():
		t.Fatalf("U1 received an extra alert %+v", ev)
	default:
	}
}
