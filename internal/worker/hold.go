package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/sdseal/internal/protocol"
)

// AdminHold parks the worker for out-of-band inspection. It is only reachable
// from an opened envelope, so it requires the shared key like any job. It
// refuses unless the runtime allows holds, and it blocks until d elapses (capped
// at the runtime's MaxHold) or ctx is done.
func (w *Worker) AdminHold(ctx context.Context, logger *slog.Logger, d time.Duration) *protocol.Result {
	if !w.rt.AllowHold {
		logger.Warn("admin hold refused: disabled on this worker")
		return protocol.Failure("admin hold is disabled on this worker", "", "")
	}
	if d <= 0 {
		return protocol.Failure("debug_hold.seconds must be positive", "", "")
	}
	if d > w.rt.MaxHold {
		d = w.rt.MaxHold
	}

	logger.Warn("admin hold engaged", "duration", d.String())
	timer := time.NewTimer(d)
	defer timer.Stop()

	start := time.Now()
	select {
	case <-timer.C:
		logger.Warn("admin hold released")
	case <-ctx.Done():
		logger.Warn("admin hold interrupted")
	}
	return &protocol.Result{
		Status:  protocol.StatusHeld,
		Message: fmt.Sprintf("admin hold ended after %s", time.Since(start).Round(time.Second)),
	}
}
