// Package taskpool assembles the scheduler core and exposes its operational
// surface to the API and the binary.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradeflow/internal/config"
	"tradeflow/internal/domain"
	"tradeflow/internal/ingest"
	"tradeflow/internal/monitor"
	"tradeflow/internal/queue"
	"tradeflow/internal/ratelimit"
	"tradeflow/internal/results"
	"tradeflow/internal/scheduler"
	"tradeflow/internal/tracing"
	"tradeflow/internal/worker"
)

// tracingFlushTimeout bounds span export at shutdown. It does not inherit the
// shutdown deadline.
const tracingFlushTimeout = 5 * time.Second

// Options carries the collaborators that are not plain configuration.
type Options struct {
	Registry *worker.Registry
	// Transport feeds the event ingestor. Nil disables streaming ingestion.
	Transport ingest.Transport
	Sampler   monitor.ResourceSampler
	Sinks     []monitor.Sink
	// Tracing is called last during Shutdown.
	Tracing    tracing.ShutdownFunc
	OnComplete func(domain.TaskResult)
}

type Service struct {
	store     *results.Store
	sched     *queue.Scheduler
	limiter   *ratelimit.Limiter
	pool      *worker.Pool
	transport ingest.Transport
	ingestor  *ingest.Ingestor
	schedules *scheduler.Service
	monitor   *monitor.Monitor
	collector *monitor.Collector
	tracing   tracing.ShutdownFunc

	mu           sync.Mutex
	started      bool
	stopIngest   context.CancelFunc
	ingestDone   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg config.Config, opts Options) (*Service, error) {
	if opts.Registry == nil {
		opts.Registry = worker.NewRegistry()
	}

	s := &Service{
		store:     results.NewStore(),
		limiter:   ratelimit.New(cfg.DefaultRateLimit, cfg.RateLimits),
		transport: opts.Transport,
		collector: monitor.NewCollector(),
		tracing:   opts.Tracing,
	}
	s.sched = queue.New(s.store, queue.Options{
		Capacity:       cfg.QueueCapacity,
		SoftLimitRatio: cfg.SoftLimitRatio,
	})
	s.pool = worker.NewPool(s.sched, s.store, opts.Registry, worker.Options{
		Workers:        cfg.Workers,
		MaxConcurrency: cfg.MaxConcurrency,
		PollTimeout:    cfg.PollTimeout,
		RequeueDelay:   cfg.RequeueDelay,
		RetryBase:      cfg.RetryBaseDelay,
		RetryMax:       cfg.RetryMaxDelay,
		OnComplete:     opts.OnComplete,
	})
	if opts.Transport != nil {
		s.ingestor = ingest.New(opts.Transport, s.limiter, s.sched, ingest.Options{
			Channels:         cfg.Channels,
			FlushInterval:    cfg.FlushInterval,
			MaxBatchSize:     cfg.MaxBatchSize,
			ReconnectInitial: cfg.ReconnectInitial,
			ReconnectMax:     cfg.ReconnectMax,
		})
	}

	s.schedules = scheduler.NewService(s.sched)
	for _, sch := range cfg.Schedules {
		if err := s.schedules.Add(sch); err != nil {
			return nil, fmt.Errorf("add schedule: %w", err)
		}
	}

	sinks := append([]monitor.Sink{s.collector}, opts.Sinks...)
	s.monitor = monitor.New(s, s.store, opts.Sampler, monitor.Options{
		Interval:          cfg.MonitorInterval,
		SweepInterval:     cfg.SweepInterval,
		Retention:         cfg.ResultRetention,
		MemoryThreshold:   cfg.MemoryThresholdBytes,
		PressureRetention: cfg.PressureRetention,
	}, sinks...)
	return s, nil
}

// Start launches workers, recurring schedules, the monitor and, when a
// transport is configured, streaming ingestion.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.pool.Start(ctx)
	s.schedules.Start()
	s.monitor.Start()
	if s.ingestor != nil {
		ingestCtx, cancel := context.WithCancel(ctx)
		s.stopIngest = cancel
		s.ingestDone = make(chan struct{})
		go func() {
			defer close(s.ingestDone)
			s.ingestor.Run(ingestCtx)
		}()
	}
	log.Info().Int("queue_capacity", s.sched.Capacity()).Bool("ingest", s.ingestor != nil).Msg("task pool started")
}

// Shutdown stops intake first, then drains: queued tasks are cancelled,
// running handlers get until ctx expires, and the monitor publishes a last
// sample before tracing is flushed.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Service) shutdown(ctx context.Context) error {
	var errs []error

	s.mu.Lock()
	stopIngest, ingestDone := s.stopIngest, s.ingestDone
	s.mu.Unlock()
	if stopIngest != nil {
		stopIngest()
		select {
		case <-ingestDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("stop ingestion: %w", ctx.Err()))
		}
	}
	s.schedules.Stop(ctx)

	if n := s.sched.Close(); n > 0 {
		log.Info().Int("cancelled", n).Msg("queued tasks cancelled")
	}
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}

	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}

	s.monitor.Stop(ctx)

	if s.tracing != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tracingFlushTimeout)
		err := s.tracing(flushCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	log.Info().Msg("task pool stopped")
	return errors.Join(errs...)
}

// SubmitTask admits t and returns its id. Admission errors satisfy
// queue.IsAdmission.
func (s *Service) SubmitTask(t domain.Task) (string, error) {
	return s.sched.Submit(t)
}

func (s *Service) GetResult(id string) (domain.TaskResult, bool) {
	return s.store.Get(id)
}

// AwaitResult waits for a terminal result. A timeout <= 0 waits until ctx
// is done.
func (s *Service) AwaitResult(ctx context.Context, id string, timeout time.Duration) (domain.TaskResult, error) {
	return s.store.Await(ctx, id, timeout)
}

// CancelTask cancels a task that has not been handed to a worker yet.
// It returns results.ErrNotFound for unknown ids and queue.ErrNotQueued for
// tasks that are running or finished.
func (s *Service) CancelTask(id string) error {
	if _, ok := s.store.Get(id); !ok {
		return results.ErrNotFound
	}
	return s.sched.Cancel(id)
}

// Stats returns the raw counters. Rates and process resources are left zero.
func (s *Service) Stats() domain.Stats {
	submitted, cancelled, _, dropped := s.sched.Counters()
	pc := s.pool.Counters()
	st := domain.Stats{
		SampledAt:     time.Now(),
		QueueDepth:    s.sched.Len(),
		QueueCapacity: s.sched.Capacity(),
		Running:       int(pc.Running),
		Workers:       s.pool.WorkerStats(),
		Submitted:     submitted,
		Completed:     pc.Completed,
		Failed:        pc.Failed,
		Cancelled:     cancelled + pc.Cancelled,
		Retried:       pc.Retried,
		Timeouts:      pc.Timeouts,
		Dropped:       dropped,
		ResultsStored: s.store.Len(),
	}
	if s.ingestor != nil {
		st.Ingest = s.ingestor.Stats()
	}
	return st
}

// GetStats returns live counters merged with the derived rates and resource
// usage of the latest monitor sample.
func (s *Service) GetStats() domain.Stats {
	st := s.Stats()
	if last, ok := s.monitor.Latest(); ok {
		st.ThroughputPerSec = last.ThroughputPerSec
		st.ErrorRate = last.ErrorRate
		st.MemoryBytes = last.MemoryBytes
		st.CPUPercent = last.CPUPercent
		st.Goroutines = last.Goroutines
	}
	return st
}

func (s *Service) Collector() *monitor.Collector { return s.collector }

func (s *Service) Schedules() *scheduler.Service { return s.schedules }

func (s *Service) RateLimits() []ratelimit.BucketState { return s.limiter.Snapshot() }

// Ingestor is nil when no transport is configured.
func (s *Service) Ingestor() *ingest.Ingestor { return s.ingestor }
