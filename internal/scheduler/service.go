package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"tradeflow/internal/domain"
)

// Schedule submits one task of TaskType on every tick of Cron.
type Schedule struct {
	Name     string          `yaml:"name" json:"name"`
	Cron     string          `yaml:"cron" json:"cron"`
	TaskType domain.TaskType `yaml:"task_type" json:"task_type"`
	Priority domain.Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
	Payload  domain.Payload  `yaml:"payload,omitempty" json:"payload,omitempty"`
}

func (s Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if err := ValidateCronExpression(s.Cron); err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression: %w", s.Name, err)
	}
	if !s.TaskType.Known() {
		return fmt.Errorf("schedule %s: unknown task type %q", s.Name, s.TaskType)
	}
	if s.Priority != 0 && !s.Priority.Valid() {
		return fmt.Errorf("schedule %s: invalid priority %d", s.Name, int(s.Priority))
	}
	return nil
}

type Submitter interface {
	Submit(t domain.Task) (string, error)
}

// Entry describes a registered schedule.
type Entry struct {
	Name    string    `json:"name"`
	Cron    string    `json:"cron"`
	Type    string    `json:"task_type"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run,omitempty"`
}

type Service struct {
	submit Submitter
	cron   *cron.Cron

	mu        sync.Mutex
	schedules map[string]Schedule
	ids       map[string]cron.EntryID

	fired    atomic.Int64
	rejected atomic.Int64
}

func NewService(submit Submitter) *Service {
	return &Service{
		submit:    submit,
		cron:      cron.New(),
		schedules: make(map[string]Schedule),
		ids:       make(map[string]cron.EntryID),
	}
}

// Add registers s. It may be called before or after Start.
func (s *Service) Add(sch Schedule) error {
	if err := sch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sch.Name]; exists {
		return fmt.Errorf("schedule %s already exists", sch.Name)
	}
	id, err := s.cron.AddFunc(sch.Cron, func() { s.fire(sch) })
	if err != nil {
		return err
	}
	s.schedules[sch.Name] = sch
	s.ids[sch.Name] = id
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.ids, name)
	delete(s.schedules, name)
	return true
}

func (s *Service) Start() {
	s.cron.Start()
	log.Info().Int("schedules", len(s.Entries())).Msg("schedule service started")
}

// Stop halts the ticker and waits for a running submission to finish.
func (s *Service) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Trigger fires the named schedule immediately.
func (s *Service) Trigger(name string) (string, error) {
	s.mu.Lock()
	sch, ok := s.schedules[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("schedule %s not found", name)
	}
	return s.fire(sch)
}

func (s *Service) fire(sch Schedule) (string, error) {
	payload := make(domain.Payload, len(sch.Payload))
	for k, v := range sch.Payload {
		payload[k] = v
	}
	t := domain.NewTask(sch.TaskType, payload)
	if sch.Priority != 0 {
		t.Priority = sch.Priority
	}
	t.Metadata = map[string]string{"source": "schedule", "schedule": sch.Name}

	s.fired.Add(1)
	id, err := s.submit.Submit(t)
	if err != nil {
		s.rejected.Add(1)
		log.Warn().Err(err).Str("schedule", sch.Name).Msg("scheduled task not submitted")
		return "", err
	}
	log.Debug().Str("schedule", sch.Name).Str("task_id", id).Msg("scheduled task submitted")
	return id, nil
}

// Entries lists schedules with their next and previous run times.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.schedules))
	for name, sch := range s.schedules {
		e := s.cron.Entry(s.ids[name])
		next := e.Next
		if next.IsZero() {
			next, _ = NextRunTime(sch.Cron, time.Now())
		}
		out = append(out, Entry{
			Name:    name,
			Cron:    sch.Cron,
			Type:    string(sch.TaskType),
			NextRun: next,
			LastRun: e.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Counts returns how many submissions were attempted and how many were
// rejected.
func (s *Service) Counts() (fired, rejected int64) {
	return s.fired.Load(), s.rejected.Load()
}

// ValidateCronExpression validates a standard five-field cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
