package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Priority orders pending work. Higher values dequeue first.
type Priority int

const (
	PriorityBackground Priority = iota + 1
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityBackground: "background",
	PriorityLow:        "low",
	PriorityMedium:     "medium",
	PriorityHigh:       "high",
	PriorityCritical:   "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) Valid() bool {
	return p >= PriorityBackground && p <= PriorityCritical
}

// ParsePriority accepts the name of a priority in any case, or its number.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Priority(n).Valid() {
		return Priority(n), nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// UnmarshalJSON accepts a quoted name or a bare number.
func (p *Priority) UnmarshalJSON(b []byte) error {
	return p.UnmarshalText(bytes.Trim(b, `"`))
}

// Status is the lifecycle state of a TaskResult.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Payload is the opaque key/value input handed to a handler.
type Payload map[string]any

// Task is one schedulable unit of work. It is not mutated after it is enqueued;
// retries enqueue a copy with RetryCount incremented.
type Task struct {
	ID           string            `json:"id"`
	Type         TaskType          `json:"type"`
	Priority     Priority          `json:"priority"`
	Payload      Payload           `json:"payload,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	MaxRetries   int               `json:"max_retries"`
	RetryCount   int               `json:"retry_count"`
	Timeout      time.Duration     `json:"timeout"`
	CreatedAt    time.Time         `json:"created_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Sequence is the monotonic admission number used to keep FIFO order
	// among equal priorities. Assigned by the scheduler.
	Sequence uint64 `json:"sequence"`
}

// NextAttempt returns the copy submitted for an automatic retry.
func (t Task) NextAttempt() Task {
	next := t
	next.RetryCount = t.RetryCount + 1
	return next
}

// TaskResult is the outcome of the latest execution attempt of a task.
type TaskResult struct {
	TaskID        string        `json:"task_id"`
	Type          TaskType      `json:"type"`
	Status        Status        `json:"status"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	WorkerID      string        `json:"worker_id,omitempty"`
	StartTime     time.Time     `json:"start_time,omitempty"`
	EndTime       time.Time     `json:"end_time,omitempty"`
	RetryCount    int           `json:"retry_count"`
}

// PendingResult is the implicit result recorded when a task is admitted.
func PendingResult(t Task) TaskResult {
	return TaskResult{
		TaskID:     t.ID,
		Type:       t.Type,
		Status:     StatusPending,
		RetryCount: t.RetryCount,
	}
}
