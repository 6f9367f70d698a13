package api

import "encoding/json"

// RunRequest is the JSON body for POST /run.
type RunRequest struct {
	Input json.RawMessage `json:"input"`
}

// RunResponse is returned on successful enqueue.
type RunResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusResponse is returned by GET /status/{id}. Times are milliseconds.
type StatusResponse struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	DelayTime     int64           `json:"delayTime,omitempty"`
	ExecutionTime int64           `json:"executionTime,omitempty"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string     `json:"status"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Jobs          JobsHealth `json:"jobs"`
}

// JobsHealth mirrors the platform's job counters.
type JobsHealth struct {
	InQueue    int `json:"inQueue"`
	InProgress int `json:"inProgress"`
}
