package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"heartbeat/internal/logger"
	"heartbeat/internal/metrics"
)

// Job is a long-running loop such as a consumer group. It should return nil
// once ctx is cancelled.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }

// Pool supervises named jobs, one goroutine each. A job that panics or
// returns early is restarted after the restart backoff until the pool stops.
type Pool struct {
	restartBackoff time.Duration

	mu   sync.Mutex
	jobs []*supervised

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
}

type supervised struct {
	name     string
	job      Job
	restarts atomic.Uint64
	panics   atomic.Uint64
	running  atomic.Bool
}

// Config holds worker pool configuration
type Config struct {
	RestartBackoff time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		restartBackoff: cfg.RestartBackoff,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Add registers a job. Jobs added after Start are not run.
func (p *Pool) Add(name string, job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, &supervised{name: name, job: job})
}

// Start launches every registered job.
func (p *Pool) Start() {
	if p.started.Swap(true) {
		return
	}

	p.mu.Lock()
	jobs := append([]*supervised(nil), p.jobs...)
	p.mu.Unlock()

	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("jobs", len(jobs)).
		Dur("restart_backoff", p.restartBackoff).
		Msg("starting worker pool")

	for _, s := range jobs {
		p.wg.Add(1)
		go p.supervise(s)
	}
}

// Stop cancels every job and waits for them to return
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

func (p *Pool) supervise(s *supervised) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Str("job", s.name).Logger()

	for {
		s.running.Store(true)
		err := p.runOnce(s)
		s.running.Store(false)

		if p.ctx.Err() != nil {
			log.Info().Msg("job stopped")
			return
		}

		s.restarts.Add(1)
		log.Error().
			Err(err).
			Dur("backoff", p.restartBackoff).
			Msg("job exited unexpectedly, restarting")

		select {
		case <-time.After(p.restartBackoff):
		case <-p.ctx.Done():
			return
		}
	}
}

// runOnce runs the job and turns a panic into an error.
func (p *Pool) runOnce(s *supervised) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log := logger.WithComponent("worker")
			log.Error().
				Str("job", s.name).
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			s.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return s.job.Run(p.ctx)
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Jobs: make([]JobStats, 0, len(p.jobs))}
	for _, s := range p.jobs {
		stats.Jobs = append(stats.Jobs, JobStats{
			Name:     s.name,
			Running:  s.running.Load(),
			Restarts: s.restarts.Load(),
			Panics:   s.panics.Load(),
		})
	}
	return stats
}

// Stats holds worker pool metrics
type Stats struct {
	Jobs []JobStats `json:"jobs"`
}

// JobStats describes one supervised job
type JobStats struct {
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	Restarts uint64 `json:"restarts"`
	Panics   uint64 `json:"panics"`
}
