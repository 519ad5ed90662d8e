package domain

import "time"

// WorkerStats are the rolling counters of one worker.
type WorkerStats struct {
	WorkerID        string        `json:"worker_id"`
	Completed       int64         `json:"completed"`
	Failed          int64         `json:"failed"`
	TotalExecTime   time.Duration `json:"total_exec_time"`
	AverageExecTime time.Duration `json:"average_exec_time"`
	CurrentTaskID   string        `json:"current_task_id,omitempty"`
	LastActive      time.Time     `json:"last_active"`
}

// IngestStats are the counters of the event ingestor.
type IngestStats struct {
	Received        int64 `json:"received"`
	SchemaErrors    int64 `json:"schema_errors"`
	RateLimited     int64 `json:"rate_limited"`
	AdmissionDrops  int64 `json:"admission_drops"`
	TasksCreated    int64 `json:"tasks_created"`
	TransportErrors int64 `json:"transport_errors"`
	Reconnects      int64 `json:"reconnects"`
	Buffered        int   `json:"buffered"`
	Connected       bool  `json:"connected"`
}

// Stats is an aggregated, point-in-time view of the scheduler core.
type Stats struct {
	SampledAt        time.Time        `json:"sampled_at"`
	QueueDepth       int              `json:"queue_depth"`
	QueueCapacity    int              `json:"queue_capacity"`
	Running          int              `json:"running"`
	Workers          []WorkerStats    `json:"workers"`
	Submitted        int64            `json:"submitted"`
	Completed        int64            `json:"completed"`
	Failed           int64            `json:"failed"`
	Cancelled        int64            `json:"cancelled"`
	Retried          int64            `json:"retried"`
	Timeouts         int64            `json:"timeouts"`
	Dropped          map[string]int64 `json:"dropped"`
	ResultsStored    int              `json:"results_stored"`
	ThroughputPerSec float64          `json:"throughput_per_sec"`
	ErrorRate        float64          `json:"error_rate"`
	MemoryBytes      uint64           `json:"memory_bytes"`
	CPUPercent       float64          `json:"cpu_percent"`
	Goroutines       int              `json:"goroutines"`
	Ingest           IngestStats      `json:"ingest"`
}

// Utilization is the fraction of workers currently executing a handler.
func (s Stats) Utilization() float64 {
	if len(s.Workers) == 0 {
		return 0
	}
	return float64(s.Running) / float64(len(s.Workers))
}
