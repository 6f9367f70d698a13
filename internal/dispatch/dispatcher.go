package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/sdseal/internal/log"
	"github.com/mattjoyce/sdseal/internal/protocol"
	"github.com/mattjoyce/sdseal/internal/queue"
)

const (
	// DefaultPollInterval is used when Config.PollInterval is unset.
	DefaultPollInterval = time.Second

	// pruneInterval is how often finished jobs are checked for expiry.
	pruneInterval = time.Hour

	// noOutputError is recorded when the handler returned nothing.
	noOutputError = "worker produced no output"
)

// Handler runs one job and returns its platform output. Implemented by
// worker.Worker.
type Handler interface {
	Handle(ctx context.Context, job protocol.Job) json.RawMessage
}

// Config tunes the dispatch loop.
type Config struct {
	PollInterval time.Duration
	// Retention is how long finished jobs are kept. Zero disables pruning.
	Retention time.Duration
}

// Dispatcher dequeues jobs and runs them through the worker, one at a time.
type Dispatcher struct {
	queue   *queue.Queue
	handler Handler
	cfg     Config
	wake    chan struct{}
	logger  *slog.Logger
}

// New creates a new Dispatcher.
func New(q *queue.Queue, h Handler, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Dispatcher{
		queue:   q,
		handler: h,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		logger:  log.WithComponent("dispatch"),
	}
}

// Wake asks the loop to check the queue now. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start recovers orphaned jobs and then runs the dispatch loop until ctx is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	n, err := d.queue.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	if n > 0 {
		d.logger.Warn("marked orphaned jobs failed", "count", n)
	}
	d.prune(ctx)

	d.logger.Info("dispatch loop started", "poll_interval", d.cfg.PollInterval.String())
	defer d.logger.Info("dispatch loop stopped")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pruneTicker.C:
			d.prune(ctx)
		case <-ticker.C:
			d.drain(ctx)
		case <-d.wake:
			d.drain(ctx)
		}
	}
}

// drain runs jobs until the queue is empty or ctx is cancelled.
func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		ran, err := d.processNextJob(ctx)
		if err != nil {
			d.logger.Error("failed to process job", "error", err)
			return
		}
		if !ran {
			return
		}
	}
}

// processNextJob dequeues the next job and executes it. It reports whether a
// job was run.
func (d *Dispatcher) processNextJob(ctx context.Context) (bool, error) {
	job, err := d.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}

	d.executeJob(ctx, job)
	return true, nil
}

func (d *Dispatcher) executeJob(ctx context.Context, job *queue.Job) {
	jobLogger := log.WithJob(job.ID)
	jobLogger.Info("executing job", "delay_ms", time.Since(job.CreatedAt).Milliseconds())

	out := d.handler.Handle(ctx, protocol.Job{ID: job.ID, Input: job.Input})

	// The outcome is recorded even when shutdown interrupted the job.
	cctx := context.WithoutCancel(ctx)
	if len(out) == 0 {
		jobLogger.Error(noOutputError)
		d.completeJob(cctx, job.ID, queue.StatusFailed, nil, noOutputError)
		return
	}

	jobLogger.Info("job completed", "output_bytes", len(out))
	d.completeJob(cctx, job.ID, queue.StatusCompleted, out, "")
}

func (d *Dispatcher) completeJob(ctx context.Context, jobID string, status queue.Status, output json.RawMessage, errMsg string) {
	if err := d.queue.Complete(ctx, jobID, status, output, errMsg); err != nil {
		d.logger.Error("failed to complete job", "job_id", jobID, "error", err)
	}
}

func (d *Dispatcher) prune(ctx context.Context) {
	if d.cfg.Retention <= 0 {
		return
	}
	n, err := d.queue.Prune(ctx, d.cfg.Retention)
	if err != nil {
		d.logger.Error("failed to prune finished jobs", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("pruned finished jobs", "count", n)
	}
}
