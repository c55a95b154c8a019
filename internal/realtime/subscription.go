package realtime

import (
	"sync"

	"github.com/google/uuid"

	"heartbeat/internal/alerts"
)

// Subscription is one live connection's membership in a user's channel.
type Subscription struct {
	UserID uuid.UUID

	hub       *Hub
	events    chan alerts.AlertEvent
	closeOnce sync.Once
}

// Events yields alerts for the subscription. The channel is closed once the
// subscription is removed or the hub stops.
func (s *Subscription) Events() <-chan alerts.AlertEvent {
	return s.events
}

// Close removes the subscription from its channel. It is safe to call more
// than once and after the hub stopped.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		cmd := command{kind: cmdUnsubscribe, user: s.UserID, sub: s, ack: make(chan struct{})}
		select {
		case s.hub.commands <- cmd:
		case <-s.hub.done:
			return
		}
		select {
		case <-cmd.ack:
		case <-s.hub.done:
		}
	})
}
