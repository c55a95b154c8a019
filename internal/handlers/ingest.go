package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"heartbeat/internal/logger"
	"heartbeat/internal/metrics"
	"heartbeat/internal/middleware"
	"heartbeat/internal/models"
)

// Publisher defines the interface for publishing envelopes
type Publisher interface {
	Publish(ctx context.Context, envelope *models.TelemetryEnvelope) error
	PublishBatch(ctx context.Context, envelopes []*models.TelemetryEnvelope) error
}

// IngestHandler accepts telemetry over HTTP and publishes it to the broker
// before answering. The response reflects only whether publication succeeded.
type IngestHandler struct {
	publisher      Publisher
	nodeID         string
	maxBodySize    int64
	publishTimeout time.Duration

	accepted atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Publisher      Publisher
	NodeID         string
	MaxBodySize    int64
	PublishTimeout time.Duration
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
		if nodeID == "" {
			nodeID = "unknown"
		}
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 1 << 20 // 1MiB
	}

	publishTimeout := cfg.PublishTimeout
	if publishTimeout == 0 {
		publishTimeout = 15 * time.Second
	}

	return &IngestHandler{
		publisher:      cfg.Publisher,
		nodeID:         nodeID,
		maxBodySize:    maxBodySize,
		publishTimeout: publishTimeout,
	}
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ServeHTTP handles the ingest HTTP request. The body is one telemetry object
// or an array of them; an array is published all-or-nothing.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithRequestID(r.Header.Get(middleware.RequestIDHeader))

	if r.Method != http.MethodPost {
		h.reject(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.reject(w, http.StatusBadRequest, "failed to read body")
		return
	}

	envelopes, err := h.decode(body)
	if err != nil {
		log.Debug().Err(err).Msg("rejecting telemetry payload")
		h.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	for _, env := range envelopes {
		env.ReceivedAt = now
		env.IngestNode = h.nodeID
		if !env.Routable {
			metrics.IngestUnroutableTotal.Inc()
			log.Warn().Str("raw_device_id", env.RawDeviceID).Msg("publishing telemetry without a valid device id")
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.publishTimeout)
	defer cancel()

	if len(envelopes) == 1 {
		err = h.publisher.Publish(ctx, envelopes[0])
	} else {
		err = h.publisher.PublishBatch(ctx, envelopes)
	}
	if err != nil {
		h.failed.Add(uint64(len(envelopes)))
		metrics.IngestTotal.WithLabelValues("failed").Add(float64(len(envelopes)))
		log.Error().Err(err).Int("count", len(envelopes)).Msg("failed to publish telemetry")
		writeJSON(w, http.StatusServiceUnavailable, IngestResponse{Status: "error", Error: "failed to publish telemetry"})
		return
	}

	h.accepted.Add(uint64(len(envelopes)))
	metrics.IngestTotal.WithLabelValues("published").Add(float64(len(envelopes)))
	logTelemetry(log, envelopes)

	writeJSON(w, http.StatusOK, IngestResponse{Status: "success", Accepted: len(envelopes)})
}

// decode accepts a JSON object or a non-empty array of objects.
func (h *IngestHandler) decode(body []byte) ([]*models.TelemetryEnvelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	if body[0] != '[' {
		env, err := models.Decode(body)
		if err != nil {
			return nil, err
		}
		return []*models.TelemetryEnvelope{env}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &models.DecodeError{Err: err}
	}
	if len(items) == 0 {
		return nil, errors.New("no telemetry provided")
	}

	envelopes := make([]*models.TelemetryEnvelope, 0, len(items))
	for _, item := range items {
		env, err := models.Decode(item)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

func logTelemetry(log zerolog.Logger, envelopes []*models.TelemetryEnvelope) {
	if len(envelopes) == 1 {
		log.Debug().
			Str("device_id", envelopes[0].PartitionKey()).
			Int("metrics", envelopes[0].Metrics.Count()).
			Msg("telemetry published")
		return
	}
	log.Debug().Int("count", len(envelopes)).Msg("telemetry batch published")
}

func (h *IngestHandler) reject(w http.ResponseWriter, status int, message string) {
	h.rejected.Add(1)
	metrics.IngestTotal.WithLabelValues("rejected").Inc()
	writeJSON(w, status, IngestResponse{Status: "error", Error: message})
}

// Stats returns ingest statistics
func (h *IngestHandler) Stats() IngestStats {
	return IngestStats{
		Accepted: h.accepted.Load(),
		Rejected: h.rejected.Load(),
		Failed:   h.failed.Load(),
	}
}

// IngestStats holds ingest counters
type IngestStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
