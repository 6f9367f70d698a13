package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/sdseal/internal/command"
	"github.com/mattjoyce/sdseal/internal/protocol"
	"github.com/mattjoyce/sdseal/internal/scratch"
)

// Stage names a pipeline state. Stages are logged; payloads never are.
type Stage string

const (
	StageDecoding   Stage = "decoding"
	StageValidating Stage = "validating"
	StageStaging    Stage = "staging"
	StageExecuting  Stage = "executing"
	StageCollecting Stage = "collecting"
	StageResponding Stage = "responding"
	StageCleanup    Stage = "cleanup"
)

// Failure messages sent back to the client.
const (
	msgInvalidImage  = "init_image is not valid base64."
	msgStageFailed   = "Failed to write image to RAM."
	msgStartFailed   = "Failed to start binary."
	msgNonZeroExit   = "Binary returned non-zero exit code"
	msgTimedOut      = "Binary timed out."
	msgCancelled     = "Job cancelled before the binary finished."
	msgNoOutput      = "No output image generated."
	msgCollectFailed = "Failed to read output image."
	msgInternal      = "internal worker error"
	msgSealFailed    = "failed to seal result"
)

var errDecode = errors.New(protocol.MessageDecryptionFailed)

// Worker handles jobs using a Runtime.
type Worker struct {
	rt *Runtime
}

// New returns a Worker over rt.
func New(rt *Runtime) *Worker {
	return &Worker{rt: rt}
}

// request is an opened envelope.
type request struct {
	cmdArgs   json.RawMessage
	initImage string
	hold      *protocol.HoldRequest

	// Set for the legacy prompt format only.
	legacy *protocol.Input
	prompt string
}

// Handle runs one job and returns the JSON output for the platform. It never
// returns an error: every failure becomes an outcome. Scratch artifacts are
// wiped before the job starts and on every exit path, including panics.
func (w *Worker) Handle(ctx context.Context, job protocol.Job) (out json.RawMessage) {
	logger := w.rt.Logger.With(slog.String("job_id", job.ID))
	start := time.Now()

	w.wipe(logger)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "stage", StageCleanup)
			out = w.respond(logger, protocol.Failure(msgInternal, "", ""))
		}
		w.wipe(logger)
		logger.Info("job finished", "duration", time.Since(start).String())
	}()

	logger.Debug("stage", "stage", StageDecoding)
	req, err := w.decode(job.Input)
	if err != nil {
		logger.Warn("decryption failed")
		return encodePlain(protocol.DecryptionFailure())
	}

	if req.hold != nil {
		return w.respond(logger, w.AdminHold(ctx, logger, req.hold.Duration()))
	}
	return w.respond(logger, w.run(ctx, logger, req))
}

// decode opens the envelope. Every problem maps to the same error so nothing
// about the payload reaches the caller or the log.
func (w *Worker) decode(raw json.RawMessage) (*request, error) {
	in, err := protocol.DecodeInput(raw)
	if err != nil {
		return nil, errDecode
	}

	if in.EncryptedInput != "" {
		plain, err := w.rt.Codec.Open(in.EncryptedInput)
		if err != nil {
			return nil, errDecode
		}
		jr, err := protocol.DecodeJobRequest(plain)
		clear(plain)
		if err != nil {
			return nil, errDecode
		}
		return &request{cmdArgs: jr.CmdArgs, initImage: jr.InitImage, hold: jr.DebugHold}, nil
	}

	prompt, err := w.rt.Codec.Open(in.EncryptedPrompt)
	if err != nil {
		return nil, errDecode
	}
	req := &request{legacy: in, prompt: string(prompt)}
	clear(prompt)
	return req, nil
}

// run drives Validating through Collecting and returns the outcome.
func (w *Worker) run(ctx context.Context, logger *slog.Logger, req *request) *protocol.Result {
	logger.Debug("stage", "stage", StageValidating)
	args, err := w.arguments(req)
	if err != nil {
		logger.Info("request rejected", "stage", StageValidating)
		return protocol.Failure(err.Error(), "", "")
	}

	var image []byte
	if req.initImage != "" {
		image, err = base64.StdEncoding.DecodeString(req.initImage)
		if err != nil {
			logger.Info("request rejected", "stage", StageValidating)
			return protocol.Failure(msgInvalidImage, "", "")
		}
	}
	if len(image) == 0 && command.UsesPlaceholder(args) {
		logger.Info("request rejected", "stage", StageValidating)
		return protocol.Failure(command.ErrPlaceholderWithoutInput.Error(), "", "")
	}

	var inputPath string
	if len(image) > 0 {
		logger.Debug("stage", "stage", StageStaging, "bytes", len(image))
		inputPath, err = w.rt.Scratch.Stage(scratch.RoleInput, image)
		clear(image)
		if err != nil {
			logger.Error("staging input failed", "stage", StageStaging)
			return protocol.Failure(msgStageFailed, "", "")
		}
	}

	argv, err := command.Build(w.rt.Binary, args, inputPath, w.rt.Scratch.Path(scratch.RoleOutput))
	if err != nil {
		logger.Info("request rejected", "stage", StageValidating)
		return protocol.Failure(err.Error(), "", "")
	}

	logger.Debug("stage", "stage", StageExecuting, "argc", len(argv))
	res, err := Execute(ctx, argv, w.rt.JobTimeout, logger)
	logger.Info("binary finished",
		"exit_code", res.ExitCode,
		"duration", res.Duration.String(),
		"stdout_bytes", len(res.Stdout),
		"stderr_bytes", len(res.Stderr),
	)
	switch {
	case errors.Is(err, ErrTimeout):
		return protocol.Failure(msgTimedOut, res.Stdout, res.Stderr)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return protocol.Failure(msgCancelled, res.Stdout, res.Stderr)
	case err != nil:
		logger.Error("binary could not be run", "stage", StageExecuting)
		return protocol.Failure(msgStartFailed, res.Stdout, res.Stderr)
	case res.ExitCode != 0:
		return protocol.Failure(msgNonZeroExit, res.Stdout, res.Stderr)
	}

	logger.Debug("stage", "stage", StageCollecting)
	data, err := w.rt.Scratch.Collect(scratch.RoleOutput)
	if errors.Is(err, scratch.ErrNotFound) || (err == nil && len(data) == 0) {
		logger.Warn("binary produced no output", "stage", StageCollecting)
		return protocol.Failure(msgNoOutput, res.Stdout, res.Stderr)
	}
	if err != nil {
		logger.Error("collecting output failed", "stage", StageCollecting)
		return protocol.Failure(msgCollectFailed, res.Stdout, res.Stderr)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	logger.Info("output collected", "bytes", len(data))
	clear(data)
	return protocol.Success(encoded, res.Stdout)
}

// arguments parses and resolves the request's argument list.
func (w *Worker) arguments(req *request) ([]string, error) {
	if req.legacy != nil {
		return w.legacyArguments(req.legacy, req.prompt)
	}
	args, err := command.ParseArgs(req.cmdArgs)
	if err != nil {
		return nil, err
	}
	return command.ResolveModels(args, w.rt.modelPaths)
}

// respond serializes the outcome under the configured result policy.
func (w *Worker) respond(logger *slog.Logger, result *protocol.Result) json.RawMessage {
	logger.Debug("stage", "stage", StageResponding, "status", result.Status)
	if w.rt.Results != ResultEncrypted {
		return encodePlain(result)
	}

	plain, err := json.Marshal(result)
	if err != nil {
		logger.Error("encoding result failed", "stage", StageResponding)
		return encodePlain(protocol.Failure(msgSealFailed, "", ""))
	}
	token, err := w.rt.Codec.Seal(plain)
	clear(plain)
	if err != nil {
		logger.Error("sealing result failed", "stage", StageResponding)
		return encodePlain(protocol.Failure(msgSealFailed, "", ""))
	}
	out, err := json.Marshal(protocol.SealedResult{EncryptedOutput: token})
	if err != nil {
		return encodePlain(protocol.Failure(msgSealFailed, "", ""))
	}
	return out
}

func (w *Worker) wipe(logger *slog.Logger) {
	if err := w.rt.Scratch.WipeAll(); err != nil {
		logger.Error("scratch wipe failed", "stage", StageCleanup, "error", err)
	}
}

func encodePlain(result *protocol.Result) json.RawMessage {
	out, err := json.Marshal(result)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"status":%q,"message":%q}`, protocol.StatusError, msgInternal))
	}
	return out
}
