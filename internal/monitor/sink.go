package monitor

import (
	"context"

	"github.com/rs/zerolog/log"

	"tradeflow/internal/domain"
)

// Sink receives every published snapshot.
type Sink interface {
	Name() string
	Publish(ctx context.Context, st domain.Stats) error
}

type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Publish(_ context.Context, st domain.Stats) error {
	log.Info().
		Int("queue_depth", st.QueueDepth).
		Int("running", st.Running).
		Int64("completed", st.Completed).
		Int64("failed", st.Failed).
		Float64("throughput", st.ThroughputPerSec).
		Float64("error_rate", st.ErrorRate).
		Uint64("rss_bytes", st.MemoryBytes).
		Float64("cpu_percent", st.CPUPercent).
		Int64("ingest_received", st.Ingest.Received).
		Int64("ingest_rate_limited", st.Ingest.RateLimited).
		Msg("stats")
	return nil
}
