// Package realtime fans fired alerts out to live websocket clients.
//
// A single Hub goroutine owns the registry of subscriptions keyed by user.
// Consumers and connections never touch the registry directly: they post
// commands on one bounded channel that the hub drains in order.
package realtime

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"heartbeat/internal/alerts"
	"heartbeat/internal/config"
	"heartbeat/internal/logger"
	"heartbeat/internal/metrics"
)

// ErrHubStopped is returned by Subscribe once the hub has shut down.
var ErrHubStopped = errors.New("realtime hub stopped")

type commandKind uint8

const (
	cmdSubscribe commandKind = iota + 1
	cmdUnsubscribe
	cmdDeliver
)

type command struct {
	kind  commandKind
	user  uuid.UUID
	sub   *Subscription
	event alerts.AlertEvent
	ack   chan struct{}
}

// Hub routes alert events to every subscription registered under a user.
type Hub struct {
	commands     chan command
	done         chan struct{}
	running      atomic.Bool
	clientBuffer int
	log          zerolog.Logger

	// owned by the Run goroutine
	subs map[uuid.UUID]map[*Subscription]struct{}

	connections atomic.Int64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
}

// NewHub creates a hub sized by cfg. Nothing is delivered until Run starts.
func NewHub(cfg config.RealtimeConfig) *Hub {
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 1024
	}
	buffer := cfg.ClientBuffer
	if buffer <= 0 {
		buffer = 64
	}

	return &Hub{
		commands:     make(chan command, queue),
		done:         make(chan struct{}),
		clientBuffer: buffer,
		log:          logger.WithComponent("realtime_hub"),
		subs:         make(map[uuid.UUID]map[*Subscription]struct{}),
	}
}

// Run drains the command queue until ctx is cancelled. On exit every
// subscription is closed. Run must be called once.
func (h *Hub) Run(ctx context.Context) error {
	if h.running.Swap(true) {
		return errors.New("realtime hub already running")
	}
	h.log.Info().Int("queue_size", cap(h.commands)).Msg("hub started")

	defer func() {
		for user, set := range h.subs {
			for sub := range set {
				h.remove(user, sub)
			}
		}
		close(h.done)
		h.log.Info().Msg("hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-h.commands:
			h.apply(cmd)
		}
	}
}

func (h *Hub) apply(cmd command) {
	switch cmd.kind {
	case cmdSubscribe:
		set, ok := h.subs[cmd.user]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.subs[cmd.user] = set
		}
		set[cmd.sub] = struct{}{}
		h.connections.Add(1)
		metrics.RealtimeConnections.Inc()
		h.log.Debug().Str("user_id", cmd.user.String()).Int("user_connections", len(set)).Msg("subscription joined")
		close(cmd.ack)

	case cmdUnsubscribe:
		if set, ok := h.subs[cmd.user]; ok {
			if _, ok := set[cmd.sub]; ok {
				h.remove(cmd.user, cmd.sub)
			}
		}
		close(cmd.ack)

	case cmdDeliver:
		set := h.subs[cmd.user]
		if len(set) == 0 {
			h.drop("no_subscribers")
			return
		}
		for sub := range set {
			select {
			case sub.events <- cmd.event:
				h.delivered.Add(1)
				metrics.RealtimeDeliveredTotal.Inc()
			default:
				h.drop("slow_client")
				h.log.Warn().Str("user_id", cmd.user.String()).Msg("subscription buffer full, alert dropped")
			}
		}
	}
}

// remove unregisters sub and closes its event channel. Only the Run goroutine
// calls it, and it is the only sender on the channel.
func (h *Hub) remove(user uuid.UUID, sub *Subscription) {
	set := h.subs[user]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, user)
	}
	close(sub.events)
	h.connections.Add(-1)
	metrics.RealtimeConnections.Dec()
}

func (h *Hub) drop(reason string) {
	h.dropped.Add(1)
	metrics.RealtimeDroppedTotal.WithLabelValues(reason).Inc()
}

// Deliver queues event for every live subscription of userID and returns
// without waiting. It reports false when the alert was dropped because the
// queue is full or the hub has stopped. Safe for concurrent use.
func (h *Hub) Deliver(userID uuid.UUID, event alerts.AlertEvent) bool {
	select {
	case <-h.done:
		h.drop("stopped")
		return false
	default:
	}

	select {
	case h.commands <- command{kind: cmdDeliver, user: userID, event: event}:
		return true
	default:
		h.drop("queue_full")
		return false
	}
}

// Subscribe registers a new subscription for userID and returns once the hub
// has added it, so events delivered afterwards reach it.
func (h *Hub) Subscribe(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	sub := &Subscription{
		UserID: userID,
		hub:    h,
		events: make(chan alerts.AlertEvent, h.clientBuffer),
	}
	cmd := command{kind: cmdSubscribe, user: userID, sub: sub, ack: make(chan struct{})}

	select {
	case h.commands <- cmd:
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-cmd.ack:
		return sub, nil
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		// The command is queued; undo it once it lands.
		go sub.Close()
		return nil, ctx.Err()
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() HubStats {
	return HubStats{
		Connections: h.connections.Load(),
		Queued:      len(h.commands),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// HubStats holds hub metrics
type HubStats struct {
	Connections int64  `json:"connections"`
	Queued      int    `json:"queued"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}
