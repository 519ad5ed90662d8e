package monitor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"tradeflow/internal/domain"
)

// Source yields the raw counters of the scheduler core. Derived rates and
// process resources are filled in by the monitor.
type Source interface {
	Stats() domain.Stats
}

type Sweeper interface {
	Sweep(maxAge time.Duration) int
}

// ResourceSampler reports process resident memory and CPU usage.
type ResourceSampler interface {
	Sample() (rssBytes uint64, cpuPercent float64, err error)
}

type Options struct {
	Interval      time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
	// MemoryThreshold triggers an extra sweep with PressureRetention when
	// RSS goes above it. Zero disables the check.
	MemoryThreshold   uint64
	PressureRetention time.Duration
}

type Monitor struct {
	src     Source
	sweeper Sweeper
	sampler ResourceSampler
	sinks   []Sink
	opts    Options
	cron    *cron.Cron

	mu      sync.Mutex
	last    domain.Stats
	sampled bool
}

func New(src Source, sweeper Sweeper, sampler ResourceSampler, opts Options, sinks ...Sink) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.PressureRetention <= 0 {
		opts.PressureRetention = opts.Retention / 4
	}
	return &Monitor{
		src:     src,
		sweeper: sweeper,
		sampler: sampler,
		sinks:   sinks,
		opts:    opts,
		cron:    cron.New(),
	}
}

// Start schedules periodic sampling and retention sweeps.
func (m *Monitor) Start() {
	m.cron.Schedule(cron.Every(m.opts.Interval), cron.FuncJob(func() {
		m.Sample(context.Background())
	}))
	m.cron.Schedule(cron.Every(m.opts.SweepInterval), cron.FuncJob(func() {
		if n := m.sweeper.Sweep(m.opts.Retention); n > 0 {
			log.Debug().Int("removed", n).Dur("retention", m.opts.Retention).Msg("result retention sweep")
		}
	}))
	m.cron.Start()
	log.Info().Dur("interval", m.opts.Interval).Dur("sweep_interval", m.opts.SweepInterval).Msg("monitor started")
}

// finalSampleTimeout bounds the last publish in Stop. It does not inherit the
// shutdown deadline.
const finalSampleTimeout = 2 * time.Second

// Stop waits for running jobs and publishes one final sample.
func (m *Monitor) Stop(ctx context.Context) {
	stopped := m.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSampleTimeout)
	defer cancel()
	m.Sample(publishCtx)
}

// Sample takes one snapshot, publishes it to every sink and returns it.
func (m *Monitor) Sample(ctx context.Context) domain.Stats {
	st := m.src.Stats()
	if st.SampledAt.IsZero() {
		st.SampledAt = time.Now()
	}
	st.Goroutines = runtime.NumGoroutine()
	if m.sampler != nil {
		rss, cpu, err := m.sampler.Sample()
		if err != nil {
			log.Debug().Err(err).Msg("resource sample failed")
		} else {
			st.MemoryBytes = rss
			st.CPUPercent = cpu
		}
	}

	m.mu.Lock()
	if m.sampled {
		m.derive(&st, m.last)
	}
	m.last = st
	m.sampled = true
	m.mu.Unlock()

	if m.opts.MemoryThreshold > 0 && st.MemoryBytes > m.opts.MemoryThreshold {
		removed := m.sweeper.Sweep(m.opts.PressureRetention)
		log.Warn().
			Uint64("rss_bytes", st.MemoryBytes).
			Uint64("threshold", m.opts.MemoryThreshold).
			Int("removed", removed).
			Msg("memory above threshold, swept results")
	}

	for _, s := range m.sinks {
		if err := s.Publish(ctx, st); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("publish stats failed")
		}
	}
	return st
}

// derive computes rates over the window since prev.
func (m *Monitor) derive(st *domain.Stats, prev domain.Stats) {
	window := st.SampledAt.Sub(prev.SampledAt).Seconds()
	if window <= 0 {
		return
	}
	finished := (st.Completed + st.Failed) - (prev.Completed + prev.Failed)
	if finished <= 0 {
		return
	}
	st.ThroughputPerSec = float64(finished) / window
	st.ErrorRate = float64(st.Failed-prev.Failed) / float64(finished)
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() (domain.Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.sampled
}

// ProcessSampler reads resource usage of the current process.
type ProcessSampler struct {
	proc *process.Process
}

func NewProcessSampler() (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{proc: p}, nil
}

func (s *ProcessSampler) Sample() (uint64, float64, error) {
	mi, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpu, err := s.proc.Percent(0)
	if err != nil {
		return mi.RSS, 0, nil
	}
	return mi.RSS, cpu, nil
}
