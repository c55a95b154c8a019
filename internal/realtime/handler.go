package realtime

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"heartbeat/internal/alerts"
	"heartbeat/internal/logger"
)

// EventNewNotification is the frame name carrying a fired alert.
const EventNewNotification = "new_notification"

// Frame is one server-to-client websocket message.
type Frame struct {
	Event string    `json:"event"`
	Data  FrameData `json:"data"`
}

// FrameData is the payload of a new_notification frame.
type FrameData struct {
	Message  string  `json:"message"`
	DeviceID string  `json:"deviceId"`
	Metric   string  `json:"metric"`
	Value    float64 `json:"value"`
	RuleID   int64   `json:"ruleId"`
}

// NewFrame renders an alert as a new_notification frame.
func NewFrame(event alerts.AlertEvent) Frame {
	return Frame{
		Event: EventNewNotification,
		Data: FrameData{
			Message:  event.Message,
			DeviceID: event.DeviceID.String(),
			Metric:   event.Metric,
			Value:    event.Value,
			RuleID:   event.RuleID,
		},
	}
}

// HandlerConfig configures the websocket endpoint
type HandlerConfig struct {
	Hub            *Hub
	Auth           *Authenticator
	AllowedOrigins []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// Handler upgrades GET /ws requests and streams alerts for the joining user.
type Handler struct {
	hub          *Hub
	auth         *Authenticator
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	log          zerolog.Logger
}

// NewHandler creates the websocket handler. An empty AllowedOrigins list
// accepts any origin.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("")
	}

	return &Handler{
		hub:  cfg.Hub,
		auth: cfg.Auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		log:          logger.WithComponent("realtime_ws"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub, err := h.hub.Subscribe(r.Context(), userID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to join channel")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(h.writeTimeout))
		return
	}
	defer sub.Close()

	log := h.log.With().Str("user_id", userID.String()).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("client joined")

	readDone := make(chan struct{})
	go h.readPump(conn, readDone)

	h.writePump(conn, sub, readDone, log)
	log.Info().Msg("client left")
}

// readPump discards client messages and keeps the read deadline fresh on
// pongs. It returns when the connection fails or the client closes it.
func (h *Handler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	wait := 2 * h.pingInterval
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, sub *Subscription, readDone <-chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(h.writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(NewFrame(event)); err != nil {
				log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}

		case <-readDone:
			return
		}
	}
}
