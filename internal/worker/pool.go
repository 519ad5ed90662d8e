package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tradeflow/internal/domain"
	"tradeflow/internal/queue"
	"tradeflow/internal/tracing"
)

var (
	ErrTaskTimeout = errors.New("task timeout")
	errAborted     = errors.New("aborted by shutdown")
)

// Scheduler is the queue side the pool consumes.
type Scheduler interface {
	Next(ctx context.Context, timeout time.Duration) (domain.Task, bool)
	Requeue(t domain.Task, delay time.Duration) error
	Retry(t domain.Task, delay time.Duration) error
	CheckDependencies(t domain.Task) (queue.DependencyState, string)
	Closed() bool
}

type ResultWriter interface {
	Put(r domain.TaskResult)
}

type Options struct {
	Workers int
	// MaxConcurrency bounds handlers executing at once. Defaults to Workers.
	MaxConcurrency int
	PollTimeout    time.Duration
	// RequeueDelay is how long a task with unmet dependencies waits before
	// it is looked at again.
	RequeueDelay time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
	// OnComplete receives every terminal result. It runs off the worker
	// goroutine; panics are recovered and logged.
	OnComplete func(domain.TaskResult)
}

// Counters are pool-wide totals. Failed counts terminal failures only;
// attempts that were retried are counted in Retried.
type Counters struct {
	Completed int64
	Failed    int64
	Cancelled int64
	Retried   int64
	Timeouts  int64
	Running   int64
}

type Pool struct {
	sched    Scheduler
	results  ResultWriter
	registry *Registry
	opts     Options

	sem        chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	execCtx    context.Context
	execCancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*domain.WorkerStats
	order   []string

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	retried   atomic.Int64
	timeouts  atomic.Int64
	running   atomic.Int64

	now func() time.Time
}

func NewPool(sched Scheduler, results ResultWriter, registry *Registry, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = opts.Workers
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = 50 * time.Millisecond
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = time.Minute
	}
	execCtx, execCancel := context.WithCancel(context.Background())
	p := &Pool{
		sched:      sched,
		results:    results,
		registry:   registry,
		opts:       opts,
		sem:        make(chan struct{}, opts.MaxConcurrency),
		stop:       make(chan struct{}),
		execCtx:    execCtx,
		execCancel: execCancel,
		workers:    make(map[string]*domain.WorkerStats, opts.Workers),
		now:        time.Now,
	}
	for i := 0; i < opts.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i)
		p.workers[id] = &domain.WorkerStats{WorkerID: id}
		p.order = append(p.order, id)
	}
	return p
}

// Start launches the worker loops. They exit when ctx is done, Shutdown is
// called, or the scheduler is closed.
func (p *Pool) Start(ctx context.Context) {
	log.Info().Int("workers", p.opts.Workers).Int("max_concurrency", p.opts.MaxConcurrency).Msg("worker pool started")
	for _, id := range p.order {
		p.wg.Add(1)
		go p.run(ctx, id)
	}
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case p.sem <- struct{}{}:
		}

		task, ok := p.sched.Next(ctx, p.opts.PollTimeout)
		if !ok {
			<-p.sem
			if p.sched.Closed() {
				return
			}
			continue
		}
		p.execute(workerID, task)
		<-p.sem
	}
}

// Shutdown stops the loops and waits for in-flight handlers. If ctx expires
// first, running handlers are cancelled and recorded CANCELLED.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.execCancel()
		return nil
	case <-ctx.Done():
		log.Warn().Int64("running", p.running.Load()).Msg("shutdown deadline reached, aborting running tasks")
		p.execCancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) execute(workerID string, task domain.Task) {
	state, dep := p.sched.CheckDependencies(task)
	switch state {
	case queue.DepsPending:
		if err := p.sched.Requeue(task, p.opts.RequeueDelay); err != nil {
			// the scheduler recorded it CANCELLED
			p.cancelled.Add(1)
			log.Debug().Err(err).Str("task_id", task.ID).Msg("requeue after unmet dependency")
		}
		return
	case queue.DepsFailed:
		p.finish(workerID, task, domain.TaskResult{
			Status: domain.StatusFailed,
			Error:  fmt.Sprintf("dependency failed: %s", dep),
		}, false)
		return
	}

	h, ok := p.registry.Get(task.Type)
	if !ok {
		p.finish(workerID, task, domain.TaskResult{
			Status: domain.StatusFailed,
			Error:  fmt.Sprintf("no handler registered for task type %s", task.Type),
		}, false)
		return
	}

	start := p.now()
	running := domain.PendingResult(task)
	running.Status = domain.StatusRunning
	running.WorkerID = workerID
	running.StartTime = start
	p.results.Put(running)
	p.running.Add(1)
	p.setCurrent(workerID, task.ID, start)

	ctx, span := tracing.StartSpan(p.execCtx, "task.execute",
		attribute.String("task.id", task.ID),
		attribute.String("task.type", string(task.Type)),
		attribute.String("task.priority", task.Priority.String()),
		attribute.Int("task.retry_count", task.RetryCount),
		attribute.String("worker.id", workerID),
	)
	value, err := p.invoke(ctx, h, task)
	elapsed := p.now().Sub(start)
	p.running.Add(-1)

	res := domain.TaskResult{StartTime: start, ExecutionTime: elapsed}
	switch {
	case err == nil:
		res.Status = domain.StatusCompleted
		res.Result = value
	case errors.Is(err, errAborted):
		res.Status = domain.StatusCancelled
		res.Error = err.Error()
	default:
		if errors.Is(err, ErrTaskTimeout) {
			p.timeouts.Add(1)
		}
		res.Status = domain.StatusFailed
		res.Error = err.Error()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	p.finish(workerID, task, res, true)
}

type outcome struct {
	value any
	err   error
}

// invoke runs the handler under the task timeout. It returns as soon as the
// timeout fires; a handler that ignores ctx keeps running detached and its
// late result is discarded.
func (p *Pool) invoke(ctx context.Context, h Handler, task domain.Task) (any, error) {
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("task_id", task.ID).Interface("panic", r).Msg("handler panic")
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		v, err := h.Handle(ctx, task.Payload)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() != nil {
			return nil, p.ctxError(ctx)
		}
		return o.value, o.err
	case <-ctx.Done():
		return nil, p.ctxError(ctx)
	}
}

func (p *Pool) ctxError(ctx context.Context) error {
	if p.execCtx.Err() != nil {
		return errAborted
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTaskTimeout
	}
	return ctx.Err()
}

// finish records the outcome of one attempt. A failed attempt with retries
// left goes back to the scheduler behind a backoff delay and stays PENDING.
func (p *Pool) finish(workerID string, task domain.Task, res domain.TaskResult, retryable bool) {
	res.TaskID = task.ID
	res.Type = task.Type
	res.WorkerID = workerID
	res.RetryCount = task.RetryCount
	res.EndTime = p.now()
	p.recordWorker(workerID, res)

	if res.Status == domain.StatusFailed && retryable && task.RetryCount < task.MaxRetries {
		next := task.NextAttempt()
		delay := backoffExp(next.RetryCount, p.opts.RetryBase, p.opts.RetryMax)
		log.Debug().
			Str("task_id", task.ID).
			Str("error", res.Error).
			Int("retry_count", next.RetryCount).
			Dur("delay", delay).
			Msg("task failed, retrying")
		p.results.Put(domain.PendingResult(next))
		if err := p.sched.Retry(next, delay); err != nil {
			p.cancelled.Add(1)
			return
		}
		p.retried.Add(1)
		return
	}

	switch res.Status {
	case domain.StatusCompleted:
		p.completed.Add(1)
	case domain.StatusFailed:
		p.failed.Add(1)
		log.Warn().Str("task_id", task.ID).Str("task_type", string(task.Type)).Str("error", res.Error).Msg("task failed")
	case domain.StatusCancelled:
		p.cancelled.Add(1)
	}
	p.results.Put(res)
	p.notify(res)
}

func (p *Pool) notify(res domain.TaskResult) {
	cb := p.opts.OnComplete
	if cb == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("task_id", res.TaskID).Interface("panic", r).Msg("completion callback failed")
			}
		}()
		cb(res)
	}()
}

func (p *Pool) setCurrent(workerID, taskID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := p.workers[workerID]
	ws.CurrentTaskID = taskID
	ws.LastActive = at
}

func (p *Pool) recordWorker(workerID string, res domain.TaskResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := p.workers[workerID]
	ws.CurrentTaskID = ""
	ws.LastActive = res.EndTime
	switch res.Status {
	case domain.StatusCompleted:
		ws.Completed++
	case domain.StatusFailed:
		ws.Failed++
	}
	if res.ExecutionTime > 0 {
		ws.TotalExecTime += res.ExecutionTime
		if n := ws.Completed + ws.Failed; n > 0 {
			ws.AverageExecTime = ws.TotalExecTime / time.Duration(n)
		}
	}
}

// WorkerStats returns a copy of every worker's counters in worker order.
func (p *Pool) WorkerStats() []domain.WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.WorkerStats, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.workers[id])
	}
	return out
}

func (p *Pool) Counters() Counters {
	return Counters{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Cancelled: p.cancelled.Load(),
		Retried:   p.retried.Load(),
		Timeouts:  p.timeouts.Load(),
		Running:   p.running.Load(),
	}
}
