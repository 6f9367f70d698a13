package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is a platform job status. The names match the hosted platform's
// status API so clients can talk to either.
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Job is a queued unit of work. Input and Output are opaque to the queue:
// the input is the client's sealed envelope, the output is whatever the
// worker produced.
type Job struct {
	ID          string
	Input       json.RawMessage
	Status      Status
	Output      json.RawMessage
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// DelayTime is how long the job waited before a worker picked it up.
func (j *Job) DelayTime() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	return j.StartedAt.Sub(j.CreatedAt)
}

// ExecutionTime is how long the worker spent on the job.
func (j *Job) ExecutionTime() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrNotCancellable is returned when cancelling a job that already started.
	ErrNotCancellable = errors.New("job is no longer queued")
)
