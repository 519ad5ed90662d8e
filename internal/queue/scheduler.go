package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradeflow/internal/domain"
)

// ResultRecorder is the part of the result store the scheduler needs: it
// records implicit PENDING/CANCELLED results and answers dependency lookups.
type ResultRecorder interface {
	Put(r domain.TaskResult)
	Status(id string) (domain.Status, bool)
}

// DependencyState is the readiness of a task with respect to its dependencies.
type DependencyState int

const (
	DepsReady DependencyState = iota
	DepsPending
	DepsFailed
)

type Options struct {
	// Capacity is the hard bound on queued tasks, delayed ones included.
	Capacity int
	// SoftLimitRatio is the fill ratio from which priorities below HIGH are
	// rejected.
	SoftLimitRatio float64
}

// Scheduler is the bounded priority queue of pending work.
type Scheduler struct {
	mu        sync.Mutex
	ready     readyHeap
	delayed   delayedHeap
	byID      map[string]*entry
	seq       uint64
	capacity  int
	softRatio float64
	results   ResultRecorder
	wake      chan struct{}
	closed    bool

	submitted int64
	cancelled int64
	requeued  int64
	dropped   map[string]int64

	now func() time.Time
}

func New(results ResultRecorder, opts Options) *Scheduler {
	if opts.Capacity <= 0 {
		opts.Capacity = 10_000
	}
	if opts.SoftLimitRatio <= 0 || opts.SoftLimitRatio > 1 {
		opts.SoftLimitRatio = 0.8
	}
	return &Scheduler{
		byID:      make(map[string]*entry),
		capacity:  opts.Capacity,
		softRatio: opts.SoftLimitRatio,
		results:   results,
		wake:      make(chan struct{}),
		dropped:   make(map[string]int64),
		now:       time.Now,
	}
}

// Submit validates and admits a task, assigning its id. A PENDING result is
// recorded before the task becomes visible to workers.
func (s *Scheduler) Submit(t domain.Task) (string, error) {
	if !t.Type.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, t.Type)
	}
	domain.ApplyDefaults(&t)
	if !t.Priority.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, int(t.Priority))
	}
	for _, dep := range t.Dependencies {
		if _, ok := s.results.Status(dep); !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	depth := s.depthLocked()
	if depth >= s.capacity {
		s.dropped[ReasonQueueFull]++
		log.Debug().Str("task_type", string(t.Type)).Int("depth", depth).Msg("queue full, task dropped")
		return "", ErrQueueFull
	}
	if t.Priority < domain.PriorityHigh && float64(depth) >= s.softRatio*float64(s.capacity) {
		s.dropped[ReasonBackpressure]++
		log.Debug().Str("task_type", string(t.Type)).Str("priority", t.Priority.String()).Int("depth", depth).Msg("backpressure, task dropped")
		return "", ErrBackpressure
	}

	t.ID = "tsk_" + uuid.NewString()
	t.CreatedAt = s.now()
	t.RetryCount = 0
	t.Sequence = 0
	s.results.Put(domain.PendingResult(t))
	s.pushLocked(t, time.Time{})
	s.submitted++
	return t.ID, nil
}

// Next removes and returns the highest-priority ready task, waiting up to
// timeout for one to appear. It returns false on timeout, cancellation or
// after Close.
func (s *Scheduler) Next(ctx context.Context, timeout time.Duration) (domain.Task, bool) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return domain.Task{}, false
		}
		t, ok, wait := s.popLocked(s.now())
		wake := s.wake
		s.mu.Unlock()
		if ok {
			return t, true
		}
		if deadline == nil {
			return domain.Task{}, false
		}

		var delay *time.Timer
		var delayC <-chan time.Time
		if wait > 0 {
			delay = time.NewTimer(wait)
			delayC = delay.C
		}
		select {
		case <-wake:
		case <-delayC:
		case <-deadline:
			stopTimer(delay)
			return domain.Task{}, false
		case <-ctx.Done():
			stopTimer(delay)
			return domain.Task{}, false
		}
		stopTimer(delay)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Requeue puts back a dequeued task whose dependencies are not met yet. The
// task keeps its sequence number and becomes eligible again after delay.
// Requeue is not subject to admission control.
func (s *Scheduler) Requeue(t domain.Task, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.results.Put(shutdownResult(t))
		return ErrClosed
	}
	s.requeued++
	s.pushLocked(t, s.now().Add(delay))
	return nil
}

// Retry enqueues the next attempt of a failed task behind a backoff delay.
// The attempt gets a fresh sequence number, like a new submission.
func (s *Scheduler) Retry(t domain.Task, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.results.Put(shutdownResult(t))
		return ErrClosed
	}
	s.seq++
	t.Sequence = s.seq
	s.pushLocked(t, s.now().Add(delay))
	return nil
}

// Cancel removes a task that is still queued and records it CANCELLED.
// Tasks already handed to a worker can not be cancelled.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotQueued
	}
	s.removeLocked(e)
	s.cancelled++
	s.results.Put(cancelledResult(e.task))
	return nil
}

// Close stops admission and cancels every queued task. Blocked Next calls
// return immediately.
func (s *Scheduler) Close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.closed = true
	n := 0
	for _, e := range s.byID {
		s.results.Put(shutdownResult(e.task))
		n++
	}
	s.cancelled += int64(n)
	s.ready = nil
	s.delayed = nil
	s.byID = make(map[string]*entry)
	close(s.wake)
	return n
}

// CheckDependencies reports whether every dependency of t has COMPLETED. A
// dependency that FAILED, was CANCELLED, or is no longer known fails t; the
// returned id names it.
func (s *Scheduler) CheckDependencies(t domain.Task) (DependencyState, string) {
	state := DepsReady
	for _, dep := range t.Dependencies {
		st, ok := s.results.Status(dep)
		if !ok {
			return DepsFailed, dep
		}
		switch st {
		case domain.StatusCompleted:
		case domain.StatusFailed, domain.StatusCancelled:
			return DepsFailed, dep
		default:
			state = DepsPending
		}
	}
	return state, ""
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthLocked()
}

func (s *Scheduler) Capacity() int { return s.capacity }

func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scheduler) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// Counters returns submission totals and drops keyed by reason.
func (s *Scheduler) Counters() (submitted, cancelled, requeued int64, dropped map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped = make(map[string]int64, len(s.dropped))
	for k, v := range s.dropped {
		dropped[k] = v
	}
	return s.submitted, s.cancelled, s.requeued, dropped
}

func (s *Scheduler) depthLocked() int {
	return len(s.ready) + len(s.delayed)
}

func (s *Scheduler) pushLocked(t domain.Task, readyAt time.Time) {
	if t.Sequence == 0 {
		s.seq++
		t.Sequence = s.seq
	}
	e := &entry{task: t, readyAt: readyAt}
	if !readyAt.IsZero() && readyAt.After(s.now()) {
		e.delayed = true
		heap.Push(&s.delayed, e)
	} else {
		heap.Push(&s.ready, e)
	}
	s.byID[t.ID] = e
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Scheduler) removeLocked(e *entry) {
	if e.delayed {
		heap.Remove(&s.delayed, e.index)
	} else {
		heap.Remove(&s.ready, e.index)
	}
	delete(s.byID, e.task.ID)
}

// popLocked promotes due delayed entries and pops the best ready one. When
// nothing is ready, wait is the time until the next delayed entry is due.
func (s *Scheduler) popLocked(now time.Time) (domain.Task, bool, time.Duration) {
	for {
		next := s.delayed.peek()
		if next == nil || next.readyAt.After(now) {
			break
		}
		heap.Pop(&s.delayed)
		next.delayed = false
		heap.Push(&s.ready, next)
	}
	if len(s.ready) > 0 {
		e := heap.Pop(&s.ready).(*entry)
		delete(s.byID, e.task.ID)
		return e.task, true, 0
	}
	if next := s.delayed.peek(); next != nil {
		return domain.Task{}, false, next.readyAt.Sub(now)
	}
	return domain.Task{}, false, 0
}

func cancelledResult(t domain.Task) domain.TaskResult {
	r := domain.PendingResult(t)
	r.Status = domain.StatusCancelled
	return r
}

func shutdownResult(t domain.Task) domain.TaskResult {
	r := cancelledResult(t)
	r.Error = "scheduler shut down"
	return r
}
