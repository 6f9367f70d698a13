// Package controller drives one client job from request to local artifact:
//
//	Building → Submitted → Polling → {Completed, Failed, Cancelled, Interrupted}
//
// Building is skipped when resuming an existing job id. The poll loop is the
// only place the controller waits; cancelling its context ends the loop and
// leaves the remote job running.
package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/sdseal/internal/envelope"
	"github.com/mattjoyce/sdseal/internal/log"
	"github.com/mattjoyce/sdseal/internal/platform"
	"github.com/mattjoyce/sdseal/internal/protocol"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultErrorBackoff = 10 * time.Second

	// outputFileMode keeps the decrypted artifact private to the caller.
	outputFileMode = 0o600
)

// State is a controller state.
type State string

const (
	StateBuilding    State = "building"
	StateSubmitted   State = "submitted"
	StatePolling     State = "polling"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
	StateInterrupted State = "interrupted"
)

// Terminal reports whether s ends the controller.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateInterrupted:
		return true
	}
	return false
}

// Source says who reported a failure.
type Source string

const (
	SourceClient   Source = "client"
	SourcePlatform Source = "platform"
	SourceWorker   Source = "worker"
)

// ErrPlainResult is reported when a success result arrives unencrypted but
// the client requires encrypted results.
var ErrPlainResult = errors.New("result was not encrypted")

// Request is what the caller wants run.
type Request struct {
	// CmdArgs is a JSON string or array, see protocol.CommandString and
	// protocol.CommandList.
	CmdArgs json.RawMessage
	// InputImage is an optional local file sent as init_image.
	InputImage string
	// OutputPath is where the generated image is written.
	OutputPath string
}

// Outcome is the controller's terminal report.
type Outcome struct {
	State State
	JobID string

	// OutputPath is set when an image was written.
	OutputPath string
	// Result is the decoded worker result, when one was recognized.
	Result *protocol.Result
	// Raw is the unrecognized output of a Completed-with-warning job.
	Raw json.RawMessage
	// Warning explains a Completed outcome that wrote no image.
	Warning string

	// Source and Reason describe a Failed or Cancelled outcome.
	Source Source
	Reason string
}

// Observer receives progress. Implementations must not block.
type Observer interface {
	StateChanged(state State, jobID string)
	Polled(jobID string, status platform.Status, attempt int)
	PollError(jobID string, err error, backoff time.Duration)
}

// Config tunes the poll loop.
type Config struct {
	PollInterval           time.Duration
	ErrorBackoff           time.Duration
	RequireEncryptedResult bool
}

// Controller runs client jobs against a Platform.
type Controller struct {
	platform platform.Platform
	codec    envelope.Codec
	cfg      Config
	observer Observer
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver sets the progress observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Controller.
func New(p platform.Platform, codec envelope.Codec, cfg Config, opts ...Option) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	c := &Controller{
		platform: p,
		codec:    codec,
		cfg:      cfg,
		observer: nopObserver{},
		logger:   log.WithComponent("controller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit builds and seals req, submits it and polls to a terminal state.
// The returned error is non-nil only when no job was created; the outcome
// is always non-nil.
func (c *Controller) Submit(ctx context.Context, req Request) (*Outcome, error) {
	if req.OutputPath == "" {
		return failed("", SourceClient, "output path is required"), errors.New("output path is required")
	}

	c.observer.StateChanged(StateBuilding, "")
	token, err := c.build(req)
	if err != nil {
		return failed("", SourceClient, err.Error()), err
	}

	id, err := c.platform.Submit(ctx, token)
	if err != nil {
		err = fmt.Errorf("submit job: %w", err)
		return failed("", SourcePlatform, err.Error()), err
	}
	c.observer.StateChanged(StateSubmitted, id)
	c.logger.Info("job submitted", "job_id", id)

	return c.poll(ctx, id, req.OutputPath), nil
}

// Resume re-attaches to a previously submitted job without building or
// submitting anything.
func (c *Controller) Resume(ctx context.Context, jobID, outputPath string) (*Outcome, error) {
	if jobID == "" {
		return failed("", SourceClient, "job id is required"), errors.New("job id is required")
	}
	if outputPath == "" {
		return failed(jobID, SourceClient, "output path is required"), errors.New("output path is required")
	}
	return c.poll(ctx, jobID, outputPath), nil
}

// build assembles the JobRequest and seals it. The plaintext is zeroed once
// sealed.
func (c *Controller) build(req Request) (string, error) {
	if len(req.CmdArgs) == 0 {
		return "", errors.New("command arguments are required")
	}

	jr := protocol.JobRequest{CmdArgs: req.CmdArgs}
	if req.InputImage != "" {
		data, err := os.ReadFile(req.InputImage)
		if err != nil {
			return "", fmt.Errorf("read input image: %w", err)
		}
		jr.InitImage = base64.StdEncoding.EncodeToString(data)
	}

	plain, err := json.Marshal(jr)
	if err != nil {
		return "", fmt.Errorf("encode job request: %w", err)
	}
	defer clear(plain)

	token, err := c.codec.Seal(plain)
	if err != nil {
		return "", fmt.Errorf("seal job request: %w", err)
	}
	return token, nil
}

// poll runs the status loop until a terminal state.
func (c *Controller) poll(ctx context.Context, jobID, outputPath string) *Outcome {
	c.observer.StateChanged(StatePolling, jobID)

	for attempt := 1; ; attempt++ {
		st, err := c.platform.Status(ctx, jobID)
		if ctx.Err() != nil {
			return c.finish(&Outcome{State: StateInterrupted, JobID: jobID})
		}
		if err != nil {
			c.logger.Warn("status call failed", "job_id", jobID, "error", err, "backoff", c.cfg.ErrorBackoff.String())
			c.observer.PollError(jobID, err, c.cfg.ErrorBackoff)
			if !sleepCtx(ctx, c.cfg.ErrorBackoff) {
				return c.finish(&Outcome{State: StateInterrupted, JobID: jobID})
			}
			continue
		}

		c.observer.Polled(jobID, st.Status, attempt)

		switch st.Status {
		case platform.StatusCompleted:
			return c.finish(c.completed(jobID, st.Output, outputPath))
		case platform.StatusFailed, platform.StatusTimedOut:
			return c.finish(&Outcome{
				State:  StateFailed,
				JobID:  jobID,
				Source: SourcePlatform,
				Reason: platformReason(st),
			})
		case platform.StatusCancelled:
			return c.finish(&Outcome{
				State:  StateCancelled,
				JobID:  jobID,
				Source: SourcePlatform,
				Reason: platformReason(st),
			})
		case platform.StatusInQueue, platform.StatusInProgress:
			if !sleepCtx(ctx, c.cfg.PollInterval) {
				return c.finish(&Outcome{State: StateInterrupted, JobID: jobID})
			}
		default:
			// Unknown statuses are treated like a failed status call.
			c.observer.PollError(jobID, fmt.Errorf("unknown job status %q", st.Status), c.cfg.ErrorBackoff)
			if !sleepCtx(ctx, c.cfg.ErrorBackoff) {
				return c.finish(&Outcome{State: StateInterrupted, JobID: jobID})
			}
		}
	}
}

// completed interprets the output of a COMPLETED job.
func (c *Controller) completed(jobID string, output json.RawMessage, outputPath string) *Outcome {
	data := []byte(output)
	if token, ok := protocol.SealedToken(output); ok {
		plain, err := c.codec.Open(token)
		if err != nil {
			c.logger.Warn("result decryption failed", "job_id", jobID)
			return failed(jobID, SourceClient, protocol.MessageDecryptionFailed)
		}
		defer clear(plain)
		data = plain
	} else if c.cfg.RequireEncryptedResult && looksLikeSuccess(output) {
		return failed(jobID, SourceClient, ErrPlainResult.Error())
	}

	result, err := protocol.DecodeResult(data)
	if err != nil {
		return &Outcome{
			State:   StateCompleted,
			JobID:   jobID,
			Raw:     append(json.RawMessage(nil), data...),
			Warning: "unrecognized result: " + err.Error(),
		}
	}

	if !result.OK() {
		return &Outcome{
			State:  StateFailed,
			JobID:  jobID,
			Result: result,
			Source: SourceWorker,
			Reason: result.Message,
		}
	}

	img, err := base64.StdEncoding.DecodeString(result.Image)
	if err != nil {
		return failed(jobID, SourceClient, "result image is not valid base64")
	}
	defer clear(img)
	if err := writePrivate(outputPath, img); err != nil {
		return failed(jobID, SourceClient, err.Error())
	}

	result.Image = ""
	return &Outcome{
		State:      StateCompleted,
		JobID:      jobID,
		OutputPath: outputPath,
		Result:     result,
	}
}

func (c *Controller) finish(o *Outcome) *Outcome {
	c.observer.StateChanged(o.State, o.JobID)
	c.logger.Info("job finished", "job_id", o.JobID, "state", string(o.State))
	return o
}

func failed(jobID string, source Source, reason string) *Outcome {
	return &Outcome{State: StateFailed, JobID: jobID, Source: source, Reason: reason}
}

func platformReason(st *platform.JobStatus) string {
	if st.Error != "" {
		return st.Error
	}
	return "platform reported " + string(st.Status)
}

func looksLikeSuccess(output json.RawMessage) bool {
	var reply struct {
		Status string `json:"status"`
	}
	return json.Unmarshal(output, &reply) == nil && reply.Status == protocol.StatusSuccess
}

// writePrivate writes data to path with mode 0600 through a temp file in the
// same directory.
func writePrivate(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sdseal-*")
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(outputFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod output file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write output file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync output file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("move output file into place: %w", err)
	}
	return nil
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

type nopObserver struct{}

func (nopObserver) StateChanged(State, string)             {}
func (nopObserver) Polled(string, platform.Status, int)    {}
func (nopObserver) PollError(string, error, time.Duration) {}
