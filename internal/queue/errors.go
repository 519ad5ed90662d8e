package queue

import "errors"

// Drop reasons reported by Dropped.
const (
	ReasonQueueFull    = "queue_full"
	ReasonBackpressure = "soft_backpressure_low_priority"
)

// AdmissionError rejects a submission before a task is created. It is
// transient: the caller may retry later or drop the work.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string { return "task rejected: " + e.Reason }

var (
	ErrQueueFull    = &AdmissionError{Reason: ReasonQueueFull}
	ErrBackpressure = &AdmissionError{Reason: ReasonBackpressure}

	ErrUnknownTaskType   = errors.New("unknown task type")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrNotQueued         = errors.New("task is not queued")
	ErrClosed            = errors.New("scheduler is closed")
)

// IsAdmission reports whether err is an admission rejection.
func IsAdmission(err error) bool {
	var ae *AdmissionError
	return errors.As(err, &ae)
}
