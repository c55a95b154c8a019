// Package processor wires the pipeline components into the two long-running
// processes: the server (ingestion, realtime, notification consumer) and the
// worker (persistence consumer).
package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"heartbeat/internal/config"
	"heartbeat/internal/db"
	"heartbeat/internal/handlers"
	"heartbeat/internal/kafka"
	"heartbeat/internal/logger"
	"heartbeat/internal/middleware"
	"heartbeat/internal/notifier"
	"heartbeat/internal/persister"
	"heartbeat/internal/realtime"
	"heartbeat/internal/state"
	"heartbeat/internal/storage"
	"heartbeat/internal/worker"
)

// Role selects which components a process runs.
type Role int

const (
	// RoleServer runs ingestion, the realtime hub and the notification
	// consumer, plus the persistence consumer when EmbedPersistence is set.
	RoleServer Role = iota
	// RoleWorker runs the persistence consumer only.
	RoleWorker
)

func (r Role) String() string {
	if r == RoleWorker {
		return "worker"
	}
	return "server"
}

// Processor is the high-level coordinator for one process.
type Processor struct {
	cfg  *config.Config
	role Role
	addr string

	db         *sql.DB
	store      *storage.Postgres
	cache      state.StateStore
	producer   *kafka.Producer
	hub        *realtime.Hub
	ingest     *handlers.IngestHandler
	consumers  []*kafka.ConsumerGroup
	workerPool *worker.Pool
	httpServer *http.Server

	hubCancel context.CancelFunc
	hubDone   chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Processor. addr overrides cfg.HTTPAddr when non-empty.
func New(cfg *config.Config, role Role, addr string) *Processor {
	if addr == "" {
		addr = cfg.HTTPAddr
	}
	return &Processor{cfg: cfg, role: role, addr: addr}
}

// Run connects to every dependency, starts the components and blocks until
// ctx is cancelled, then shuts everything down in reverse order.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor").With().Str("role", p.role.String()).Logger()
	log.Info().Msg("processor starting")

	backoff := p.cfg.Kafka.Persistence.RetryBackoff

	// Consumers may only start once the broker answers.
	if err := kafka.WaitForBroker(ctx, p.cfg.Kafka.Brokers, backoff); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	err := retry(ctx, backoff, "ensure topic", func(ctx context.Context) error {
		return kafka.EnsureTopic(ctx, p.cfg.Kafka.Brokers, p.cfg.Kafka.Topic, p.cfg.Kafka.Partitions, p.cfg.Kafka.ReplicationFactor)
	})
	if err == nil {
		err = retry(ctx, backoff, "open database", p.initStorage)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer p.db.Close()

	if err := p.setup(); err != nil {
		return err
	}
	p.workerPool.Start()

	p.httpServer = &http.Server{
		Addr:              p.addr,
		Handler:           p.router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return p.shutdown()
}

// setup builds every component for the role. On error whatever was already
// started is released.
func (p *Processor) setup() (err error) {
	defer func() {
		if err != nil {
			p.release()
		}
	}()

	p.workerPool = worker.NewPool(worker.Config{RestartBackoff: p.cfg.Kafka.Persistence.RetryBackoff})

	if p.role == RoleServer {
		if err := p.initServer(); err != nil {
			return err
		}
	}
	if p.role == RoleWorker || p.cfg.EmbedPersistence {
		if err := p.addConsumer("persistence", p.cfg.Kafka.Persistence, persister.New(p.store).Handle); err != nil {
			return err
		}
	}

	p.workerPool.Add("stats_reporter", worker.JobFunc(func(ctx context.Context) error {
		p.reportStats(ctx)
		return nil
	}))
	return nil
}

// retry calls fn until it succeeds, waiting backoff between attempts. It only
// fails once ctx ends.
func retry(ctx context.Context, backoff time.Duration, what string, fn func(context.Context) error) error {
	log := logger.WithComponent("processor")
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		log.Warn().
			Err(err).
			Str("step", what).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("startup step failed")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, err)
		}
	}
}

func (p *Processor) initStorage(ctx context.Context) error {
	conn, err := db.Open(ctx, p.cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	p.db = conn
	p.store = storage.NewPostgres(conn)
	return nil
}

// initServer builds the producer, cache, hub and notification consumer.
func (p *Processor) initServer() error {
	log := logger.WithComponent("processor")

	producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.Topic, p.cfg.Kafka.Producer)
	if err != nil {
		return fmt.Errorf("failed to initialize producer: %w", err)
	}
	p.producer = producer
	p.ingest = handlers.NewIngestHandler(handlers.IngestConfig{Publisher: producer})

	if p.cfg.Redis.Addr != "" {
		p.cache = state.NewRedisStore(p.cfg.Redis)
		log.Info().Str("addr", p.cfg.Redis.Addr).Msg("owner cache on redis")
	} else {
		p.cache = state.NewMemoryStore()
		log.Info().Msg("owner cache in memory")
	}

	p.hub = realtime.NewHub(p.cfg.Realtime)
	hubCtx, cancel := context.WithCancel(context.Background())
	p.hubCancel = cancel
	p.hubDone = make(chan struct{})
	go func() {
		defer close(p.hubDone)
		_ = p.hub.Run(hubCtx)
	}()

	resolver := notifier.NewCachedResolver(p.store, p.cache, p.cfg.Redis.OwnerTTL)
	n := notifier.New(resolver, p.store, p.hub)
	return p.addConsumer("notification", p.cfg.Kafka.Notification, n.Handle)
}

func (p *Processor) addConsumer(name string, cfg config.ConsumerConfig, handler kafka.Handler) error {
	c, err := kafka.NewConsumerGroup(p.cfg.Kafka.Brokers, p.cfg.Kafka.Topic, cfg, handler)
	if err != nil {
		return fmt.Errorf("%s consumer: %w", name, err)
	}
	p.consumers = append(p.consumers, c)
	p.workerPool.Add(name, c)
	return nil
}

func (p *Processor) router() http.Handler {
	checks := map[string]handlers.Check{
		"kafka":    func(ctx context.Context) error { return kafka.Ping(ctx, p.cfg.Kafka.Brokers) },
		"database": p.store.Ping,
	}

	if p.producer != nil {
		checks["kafka"] = p.producer.HealthCheck
	}

	rc := RouterConfig{
		Health: handlers.NewHealthHandler(checks),
		Stats:  handlers.StatsHandler(func() any { return p.Stats() }),
	}
	if p.role == RoleServer {
		rc.Ingest = p.ingest
		rc.Realtime = realtime.NewHandler(realtime.HandlerConfig{
			Hub:            p.hub,
			Auth:           realtime.NewAuthenticator(p.cfg.Realtime.JWTSecret),
			AllowedOrigins: p.cfg.Realtime.AllowedOrigins,
			PingInterval:   p.cfg.Realtime.PingInterval,
			WriteTimeout:   p.cfg.Realtime.WriteTimeout,
		})
	}
	return NewRouter(rc)
}

// RouterConfig lists the handlers mounted by NewRouter. Nil handlers are not
// mounted.
type RouterConfig struct {
	Ingest   http.Handler
	Realtime http.Handler
	Health   http.Handler
	Stats    http.Handler
}

// NewRouter builds the HTTP surface shared by both roles.
func NewRouter(rc RouterConfig) http.Handler {
	mux := http.NewServeMux()

	if rc.Ingest != nil {
		mux.Handle("/telemetry", middleware.Chain(rc.Ingest, middleware.Logging, middleware.Recovery))
	}
	if rc.Realtime != nil {
		mux.Handle("/ws", middleware.Chain(rc.Realtime, middleware.Logging, middleware.Recovery))
	}
	if rc.Health != nil {
		mux.Handle("/health", rc.Health)
	}
	if rc.Stats != nil {
		mux.Handle("/stats", rc.Stats)
	}
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// shutdown stops intake first, then lets consumers finish their in-flight
// message, then stops the hub and closes connections.
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		p.workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("consumers stopped gracefully")
	case <-time.After(p.cfg.Kafka.Persistence.HandlerTimeout + 5*time.Second):
		log.Warn().Msg("consumer shutdown timeout - forcing exit")
	}

	p.release()

	p.wg.Wait()

	log.Info().Msg("processor stopped gracefully")
	return nil
}

// release stops the hub and closes the producer and cache. It is safe to call
// on a partially built processor and more than once.
func (p *Processor) release() {
	log := logger.WithComponent("processor")

	if p.hubCancel != nil {
		p.hubCancel()
		<-p.hubDone
		p.hubCancel = nil
	}

	if p.producer != nil {
		log.Info().Msg("closing kafka producer")
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}

	if p.cache != nil {
		if err := p.cache.Close(); err != nil {
			log.Error().Err(err).Msg("cache close error")
		}
		p.cache = nil
	}
}

// Stats is the /stats payload.
type Stats struct {
	Role      string                `json:"role"`
	Ingest    *handlers.IngestStats `json:"ingest,omitempty"`
	Producer  *kafka.ProducerStats  `json:"producer,omitempty"`
	Realtime  *realtime.HubStats    `json:"realtime,omitempty"`
	Consumers []kafka.ConsumerStats `json:"consumers"`
	Workers   worker.Stats          `json:"workers"`
}

// Stats collects component statistics.
func (p *Processor) Stats() Stats {
	s := Stats{Role: p.role.String(), Workers: p.workerPool.Stats()}
	if p.ingest != nil {
		is := p.ingest.Stats()
		s.Ingest = &is
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Producer = &ps
	}
	if p.hub != nil {
		hs := p.hub.Stats()
		s.Realtime = &hs
	}
	for _, c := range p.consumers {
		s.Consumers = append(s.Consumers, c.Stats())
	}
	return s
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			ev := log.Info()
			for _, c := range s.Consumers {
				ev = ev.
					Uint64(c.Group+"_processed", c.Processed).
					Uint64(c.Group+"_failed", c.Failed).
					Uint64(c.Group+"_reconnects", c.Reconnects)
			}
			if s.Producer != nil {
				ev = ev.
					Uint64("producer_sent", s.Producer.MessagesSent).
					Uint64("producer_failed", s.Producer.MessagesFailed)
			}
			if s.Realtime != nil {
				ev = ev.
					Int64("realtime_connections", s.Realtime.Connections).
					Uint64("realtime_dropped", s.Realtime.Dropped)
			}
			ev.Msg("stats")
		}
	}
}
