package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"tradeflow/internal/domain"
	"tradeflow/internal/queue"
)

// Limiter gates admitted events per event type.
type Limiter interface {
	TryConsume(key string, n int) bool
}

type Submitter interface {
	Submit(t domain.Task) (string, error)
}

type Options struct {
	Channels      []string
	FlushInterval time.Duration
	MaxBatchSize  int
	// ReconnectInitial and ReconnectMax bound the exponential reconnect
	// delay. Jitter is applied on top.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

type Ingestor struct {
	transport Transport
	limiter   Limiter
	submit    Submitter
	opts      Options

	mu       sync.Mutex
	buffers  map[EventType][]Event
	buffered int
	flushNow chan struct{}

	received        atomic.Int64
	schemaErrors    atomic.Int64
	rateLimited     atomic.Int64
	admissionDrops  atomic.Int64
	tasksCreated    atomic.Int64
	transportErrors atomic.Int64
	reconnects      atomic.Int64
	connected       atomic.Bool
}

func New(transport Transport, limiter Limiter, submit Submitter, opts Options) *Ingestor {
	if len(opts.Channels) == 0 {
		opts.Channels = DefaultChannels
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 100
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Minute
	}
	return &Ingestor{
		transport: transport,
		limiter:   limiter,
		submit:    submit,
		opts:      opts,
		buffers:   make(map[EventType][]Event),
		flushNow:  make(chan struct{}, 1),
	}
}

// HandleMessage validates one raw message and buffers it for the next flush.
// Rejected messages are counted and dropped; the returned error is only
// informational.
func (in *Ingestor) HandleMessage(channel string, data []byte) error {
	in.received.Add(1)
	ev, err := Decode(channel, data)
	if err != nil {
		in.schemaErrors.Add(1)
		log.Debug().Err(err).Str("channel", channel).Msg("event rejected")
		return err
	}

	in.mu.Lock()
	in.buffers[ev.Type] = append(in.buffers[ev.Type], ev)
	in.buffered++
	full := len(in.buffers[ev.Type]) >= in.opts.MaxBatchSize
	in.mu.Unlock()

	if full {
		select {
		case in.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush drains every buffer through the rate limiter into the scheduler.
// Events are admitted one token at a time; once a bucket runs dry the rest
// of that type's batch is dropped.
func (in *Ingestor) Flush() {
	in.mu.Lock()
	batches := in.buffers
	in.buffers = make(map[EventType][]Event, len(batches))
	in.buffered = 0
	in.mu.Unlock()

	types := make([]EventType, 0, len(batches))
	for t := range batches {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, typ := range types {
		batch := batches[typ]
		for i, ev := range batch {
			if !in.limiter.TryConsume(string(typ), 1) {
				dropped := len(batch) - i
				in.rateLimited.Add(int64(dropped))
				log.Debug().Str("event_type", string(typ)).Int("dropped", dropped).Msg("rate limited, batch remainder dropped")
				break
			}
			in.createTasks(ev)
		}
	}
}

func (in *Ingestor) createTasks(ev Event) {
	payload := ev.Payload()
	for _, tt := range ev.Type.Tasks() {
		t := domain.NewTask(tt, payload)
		t.Metadata = map[string]string{
			"source":     "stream",
			"event_type": string(ev.Type),
			"channel":    ev.Channel,
		}
		if _, err := in.submit.Submit(t); err != nil {
			if queue.IsAdmission(err) {
				in.admissionDrops.Add(1)
				continue
			}
			log.Warn().Err(err).Str("task_type", string(tt)).Msg("submit from stream failed")
			continue
		}
		in.tasksCreated.Add(1)
	}
}

// reconnectBackoff spaces reconnect attempts. ExponentialBackOff randomizes
// after its own MaxInterval clamp, so waits are clamped again here.
type reconnectBackoff struct {
	bo  *backoff.ExponentialBackOff
	max time.Duration
}

func newReconnectBackoff(initial, max time.Duration) *reconnectBackoff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &reconnectBackoff{bo: bo, max: max}
}

func (r *reconnectBackoff) Next() time.Duration {
	return min(r.bo.NextBackOff(), r.max)
}

func (r *reconnectBackoff) Reset() { r.bo.Reset() }

// Run keeps a subscription open until ctx is done, reconnecting with capped
// exponential backoff on every transport failure. It also runs the flush
// loop. Run only returns once ctx is done.
func (in *Ingestor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		in.flushLoop(ctx)
	}()
	defer wg.Wait()

	bo := newReconnectBackoff(in.opts.ReconnectInitial, in.opts.ReconnectMax)

	for {
		subscribed, err := in.consume(ctx)
		in.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			bo.Reset()
		}
		in.transportErrors.Add(1)
		wait := bo.Next()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("event stream disconnected")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		in.reconnects.Add(1)
	}
}

func (in *Ingestor) consume(ctx context.Context) (bool, error) {
	sub, err := in.transport.Subscribe(ctx, in.opts.Channels...)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = sub.Close()
	}()

	in.connected.Store(true)
	log.Info().Strs("channels", in.opts.Channels).Msg("subscribed to event stream")
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("receive: %w", err)
		}
		_ = in.HandleMessage(msg.Channel, msg.Payload)
	}
}

func (in *Ingestor) flushLoop(ctx context.Context) {
	t := time.NewTicker(in.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			in.Flush()
			return
		case <-t.C:
			in.Flush()
		case <-in.flushNow:
			in.Flush()
		}
	}
}

func (in *Ingestor) Stats() domain.IngestStats {
	in.mu.Lock()
	buffered := in.buffered
	in.mu.Unlock()
	return domain.IngestStats{
		Received:        in.received.Load(),
		SchemaErrors:    in.schemaErrors.Load(),
		RateLimited:     in.rateLimited.Load(),
		AdmissionDrops:  in.admissionDrops.Load(),
		TasksCreated:    in.tasksCreated.Load(),
		TransportErrors: in.transportErrors.Load(),
		Reconnects:      in.reconnects.Load(),
		Buffered:        buffered,
		Connected:       in.connected.Load(),
	}
}
