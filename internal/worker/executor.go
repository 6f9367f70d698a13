package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// maxStreamBytes caps the stdout and stderr captured from the binary.
	maxStreamBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// pipeDrainDelay bounds how long Wait blocks on pipes still held open by
	// grandchildren after the binary exits.
	pipeDrainDelay = 2 * time.Second
)

// ErrTimeout is returned by Execute when the binary ran past its deadline.
var ErrTimeout = errors.New("binary execution timed out")

// childEnvDenylist names variables the binary never inherits.
var childEnvDenylist = []string{
	"ENCRYPTION_KEY",
	"ENCRYPTION_KEY_FILE",
	"SDSEAL_API_KEY",
	"RUNPOD_AI_API_KEY",
	"HF_TOKEN",
}

// ExecResult is what the binary did.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Execute runs argv[0] with argv[1:] directly (no shell), capturing stdout
// and stderr separately. A non-zero exit is reported in ExecResult, not as an
// error. On timeout or ctx cancellation the process gets SIGTERM, then
// SIGKILL after a grace period; the partial streams are returned along with
// ErrTimeout or ctx.Err().
func Execute(ctx context.Context, argv []string, timeout time.Duration, logger *slog.Logger) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, fmt.Errorf("empty argument vector")
	}

	// Don't use CommandContext - we manage termination ourselves.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = childEnv(os.Environ())
	cmd.WaitDelay = pipeDrainDelay

	stdout := &cappedBuffer{limit: maxStreamBytes}
	stderr := &cappedBuffer{limit: maxStreamBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("start process: %w", err)
	}
	logger.Debug("binary started", "pid", cmd.Process.Pid, "timeout", timeout.String())

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	result := func() ExecResult {
		return ExecResult{
			ExitCode: exitCode(cmd),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
	}

	var stopErr error
	select {
	case err := <-waitErr:
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			return result(), fmt.Errorf("wait for process: %w", err)
		}
		return result(), nil
	case <-timeoutC:
		stopErr = ErrTimeout
		logger.Warn("binary execution timed out, sending SIGTERM")
	case <-ctx.Done():
		stopErr = ctx.Err()
		logger.Warn("job cancelled, sending SIGTERM")
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("binary exited after SIGTERM")
	case <-grace.C:
		logger.Warn("binary did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}

	return result(), stopErr
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func childEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		denied := false
		for _, d := range childEnvDenylist {
			if name == d {
				denied = true
				break
			}
		}
		if !denied {
			out = append(out, kv)
		}
	}
	return out
}

// cappedBuffer keeps the first limit bytes written and discards the rest,
// while still reporting full writes so the child never sees EPIPE.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
