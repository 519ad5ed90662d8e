package results

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradeflow/internal/domain"
)

var (
	ErrNotFound     = errors.New("result not found")
	ErrAwaitTimeout = errors.New("timed out waiting for result")
)

// Store keeps the latest TaskResult per task id. Writers are workers and the
// scheduler; readers are callers and the monitor.
type Store struct {
	mu      sync.RWMutex
	results map[string]domain.TaskResult
	waiters map[string][]chan struct{}
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		results: make(map[string]domain.TaskResult),
		waiters: make(map[string][]chan struct{}),
		now:     time.Now,
	}
}

// Put records r, replacing any earlier result for the same task. Waiters are
// released once the status is terminal.
func (s *Store) Put(r domain.TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status.Terminal() && r.EndTime.IsZero() {
		r.EndTime = s.now()
	}
	s.results[r.TaskID] = r
	if !r.Status.Terminal() {
		return
	}
	for _, ch := range s.waiters[r.TaskID] {
		close(ch)
	}
	delete(s.waiters, r.TaskID)
}

func (s *Store) Get(id string) (domain.TaskResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r, ok
}

func (s *Store) Status(id string) (domain.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r.Status, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Await blocks until the task reaches a terminal status, the timeout elapses
// or ctx is done. A timeout only stops the caller from waiting; the task keeps
// running. A timeout <= 0 waits on ctx alone.
func (s *Store) Await(ctx context.Context, id string, timeout time.Duration) (domain.TaskResult, error) {
	s.mu.Lock()
	r, ok := s.results[id]
	if !ok {
		s.mu.Unlock()
		return domain.TaskResult{}, ErrNotFound
	}
	if r.Status.Terminal() {
		s.mu.Unlock()
		return r, nil
	}
	ch := make(chan struct{})
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch:
		r, _ := s.Get(id)
		return r, nil
	case <-expired:
		s.dropWaiter(id, ch)
		return domain.TaskResult{}, ErrAwaitTimeout
	case <-ctx.Done():
		s.dropWaiter(id, ch)
		return domain.TaskResult{}, ctx.Err()
	}
}

func (s *Store) dropWaiter(id string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, id)
		return
	}
	s.waiters[id] = list
}

// Sweep removes terminal results that ended more than maxAge ago and returns
// how many were removed. Pending and running results are never reclaimed.
func (s *Store) Sweep(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.results {
		if !r.Status.Terminal() || r.EndTime.After(cutoff) {
			continue
		}
		delete(s.results, id)
		removed++
	}
	return removed
}
