package monitor

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeflow/internal/domain"
)

const namespace = "tradeflow"

// Collector exposes the latest published snapshot as prometheus metrics.
type Collector struct {
	mu       sync.RWMutex
	last     domain.Stats
	registry *prometheus.Registry

	queueDepth    *prometheus.Desc
	queueCapacity *prometheus.Desc
	running       *prometheus.Desc
	tasks         *prometheus.Desc
	dropped       *prometheus.Desc
	throughput    *prometheus.Desc
	errorRate     *prometheus.Desc
	results       *prometheus.Desc
	memory        *prometheus.Desc
	cpu           *prometheus.Desc
	workerDone    *prometheus.Desc
	ingest        *prometheus.Desc
	connected     *prometheus.Desc
}

func NewCollector() *Collector {
	c := &Collector{
		registry:      prometheus.NewRegistry(),
		queueDepth:    desc("queue_depth", "Tasks waiting in the scheduler.", nil),
		queueCapacity: desc("queue_capacity", "Hard capacity of the scheduler.", nil),
		running:       desc("tasks_running", "Handlers currently executing.", nil),
		tasks:         desc("tasks_total", "Tasks by outcome.", []string{"outcome"}),
		dropped:       desc("tasks_dropped_total", "Submissions rejected by admission control.", []string{"reason"}),
		throughput:    desc("throughput_per_second", "Tasks finished per second over the last window.", nil),
		errorRate:     desc("error_rate", "Share of failed tasks over the last window.", nil),
		results:       desc("results_stored", "Results held in the result store.", nil),
		memory:        desc("process_rss_bytes", "Resident memory of the process.", nil),
		cpu:           desc("process_cpu_percent", "CPU usage of the process.", nil),
		workerDone:    desc("worker_tasks_total", "Tasks finished per worker.", []string{"worker", "outcome"}),
		ingest:        desc("ingest_events_total", "Stream events by ingestion outcome.", []string{"outcome"}),
		connected:     desc("ingest_connected", "1 while the event stream is subscribed.", nil),
	}
	c.registry.MustRegister(c)
	return c
}

func desc(name, help string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

func (c *Collector) Name() string { return "prometheus" }

func (c *Collector) Publish(_ context.Context, st domain.Stats) error {
	c.mu.Lock()
	c.last = st
	c.mu.Unlock()
	return nil
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queueDepth, c.queueCapacity, c.running, c.tasks, c.dropped, c.throughput,
		c.errorRate, c.results, c.memory, c.cpu, c.workerDone, c.ingest, c.connected,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	st := c.last
	c.mu.RUnlock()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.queueDepth, float64(st.QueueDepth))
	gauge(c.queueCapacity, float64(st.QueueCapacity))
	gauge(c.running, float64(st.Running))
	counter(c.tasks, st.Submitted, "submitted")
	counter(c.tasks, st.Completed, "completed")
	counter(c.tasks, st.Failed, "failed")
	counter(c.tasks, st.Cancelled, "cancelled")
	counter(c.tasks, st.Retried, "retried")
	counter(c.tasks, st.Timeouts, "timeout")
	for reason, n := range st.Dropped {
		counter(c.dropped, n, reason)
	}
	gauge(c.throughput, st.ThroughputPerSec)
	gauge(c.errorRate, st.ErrorRate)
	gauge(c.results, float64(st.ResultsStored))
	gauge(c.memory, float64(st.MemoryBytes))
	gauge(c.cpu, st.CPUPercent)
	for _, w := range st.Workers {
		counter(c.workerDone, w.Completed, w.WorkerID, "completed")
		counter(c.workerDone, w.Failed, w.WorkerID, "failed")
	}
	counter(c.ingest, st.Ingest.Received, "received")
	counter(c.ingest, st.Ingest.SchemaErrors, "schema_error")
	counter(c.ingest, st.Ingest.RateLimited, "rate_limited")
	counter(c.ingest, st.Ingest.AdmissionDrops, "admission_drop")
	counter(c.ingest, st.Ingest.TasksCreated, "task_created")
	connected := 0.0
	if st.Ingest.Connected {
		connected = 1
	}
	gauge(c.connected, connected)
}
