// Package platform talks to a RunPod-compatible job API: POST /run to submit,
// GET /status/{id} to poll. Both the hosted platform and sdseal-worker serve
// speak it.
package platform

import (
	"context"
	"encoding/json"
)

//go:generate mockgen -destination=mocks/mock_platform.go -package=mocks github.com/mattjoyce/sdseal/internal/platform Platform

// Status is a remote job status.
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Pending reports whether the job may still change state.
func (s Status) Pending() bool {
	return s == StatusInQueue || s == StatusInProgress
}

// JobStatus is one status poll.
type JobStatus struct {
	ID     string          `json:"id"`
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Platform is the remote job API as seen by the client.
type Platform interface {
	// Submit posts a sealed envelope token and returns the job id.
	Submit(ctx context.Context, token string) (string, error)
	// Status fetches the current state of job id.
	Status(ctx context.Context, id string) (*JobStatus, error)
}
