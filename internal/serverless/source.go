// Package serverless pulls jobs from a hosted serverless platform and posts
// results back through its worker webhooks.
//
// The job-take URL template carries $ID for the worker id; the job-done
// template carries $RUNPOD_POD_ID for the worker id and $ID for the job id.
// A 204 (or 400) reply to job-take means there is no work.
package serverless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/sdseal/internal/log"
	"github.com/mattjoyce/sdseal/internal/protocol"
)

const (
	// DefaultIdleBackoff is the pause after an empty or failed job-take.
	DefaultIdleBackoff = time.Second

	defaultPostRetries = 3
	defaultRetryDelay  = time.Second

	// maxJobBytes bounds a job-take body.
	maxJobBytes = 64 << 20

	workerIDToken = "$RUNPOD_POD_ID"
	jobIDToken    = "$ID"
)

// Handler runs one job and returns its platform output.
type Handler interface {
	Handle(ctx context.Context, job protocol.Job) json.RawMessage
}

// Config configures a Source.
type Config struct {
	GetJobURL     string
	PostOutputURL string
	APIKey        string
	// WorkerID is substituted into the webhook templates. A random id is
	// used when empty.
	WorkerID    string
	IdleBackoff time.Duration
	// PostRetries is how many times a failed job-done post is retried.
	PostRetries int
	RetryDelay  time.Duration
	HTTPClient  *http.Client
}

// Source is the job-take / job-done loop.
type Source struct {
	cfg     Config
	handler Handler
	client  *http.Client
	logger  *slog.Logger
}

// New validates cfg and returns a Source feeding h.
func New(cfg Config, h Handler) (*Source, error) {
	if cfg.GetJobURL == "" || cfg.PostOutputURL == "" {
		return nil, fmt.Errorf("job-take and job-done URLs are required")
	}
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	if cfg.PostRetries < 0 {
		cfg.PostRetries = 0
	} else if cfg.PostRetries == 0 {
		cfg.PostRetries = defaultPostRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	return &Source{
		cfg:     cfg,
		handler: h,
		client:  client,
		logger:  log.WithComponent("serverless").With("worker_id", cfg.WorkerID),
	}, nil
}

// Run takes and handles jobs one at a time until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	s.logger.Info("serverless loop started")
	defer s.logger.Info("serverless loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ran, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("job cycle failed", "error", err)
		}
		if ran && err == nil {
			continue
		}
		if !sleepCtx(ctx, s.cfg.IdleBackoff) {
			return ctx.Err()
		}
	}
}

// RunOnce takes at most one job, handles it and posts the output. It reports
// whether a job was taken.
func (s *Source) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.take(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	logger := s.logger.With("job_id", job.ID)
	start := time.Now()
	out := s.handler.Handle(ctx, *job)

	// Results are delivered even when shutdown interrupted the job.
	if err := s.post(context.WithoutCancel(ctx), job.ID, out); err != nil {
		return true, fmt.Errorf("post output for job %s: %w", job.ID, err)
	}
	logger.Info("job delivered", "output_bytes", len(out), "duration", time.Since(start).String())
	return true, nil
}

func (s *Source) take(ctx context.Context) (*protocol.Job, error) {
	target := strings.ReplaceAll(s.cfg.GetJobURL, workerIDToken, s.cfg.WorkerID)
	target = strings.ReplaceAll(target, jobIDToken, s.cfg.WorkerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build job-take request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("job-take: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusBadRequest:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("job-take: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJobBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	if len(body) > maxJobBytes {
		return nil, fmt.Errorf("job body exceeds %d bytes", maxJobBytes)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var job protocol.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" {
		return nil, errors.New("job has no id")
	}
	return &job, nil
}

func (s *Source) post(ctx context.Context, jobID string, output json.RawMessage) error {
	target := strings.ReplaceAll(s.cfg.PostOutputURL, workerIDToken, s.cfg.WorkerID)
	target = strings.ReplaceAll(target, jobIDToken, jobID)

	body, err := json.Marshal(struct {
		Output json.RawMessage `json:"output"`
	}{Output: output})
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.PostRetries; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, s.cfg.RetryDelay*time.Duration(attempt)) {
			return ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build job-done request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		s.authorize(req)

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("job-done: unexpected status %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr
		}
	}
	return lastErr
}

// authorize sets the platform key. The hosted platform expects it raw, not
// as a bearer token.
func (s *Source) authorize(req *http.Request) {
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", s.cfg.APIKey)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
