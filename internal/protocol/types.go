package protocol

import (
	"encoding/json"
	"time"
)

// Field names carried by the platform's outer JSON.
const (
	FieldEncryptedInput  = "encrypted_input"
	FieldEncryptedPrompt = "encrypted_prompt"
	FieldEncryptedOutput = "encrypted_output"
)

// Result status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"

	// StatusHeld reports the end of an admin hold. Clients treat it as an
	// unrecognized result and show it as is.
	StatusHeld = "held"
)

// MessageDecryptionFailed is the only thing a peer ever learns about a
// security-layer failure.
const MessageDecryptionFailed = "decryption failed"

// JobRequest is the plaintext job sealed inside encrypted_input.
type JobRequest struct {
	// CmdArgs is either a JSON string (shell-word split by the worker) or an
	// array of strings.
	CmdArgs json.RawMessage `json:"cmd_args,omitempty"`
	// InitImage is the optional input image, base64 encoded.
	InitImage string `json:"init_image,omitempty"`
	// DebugHold requests the administrative hold mode instead of a job.
	DebugHold *HoldRequest `json:"debug_hold,omitempty"`
}

// HoldRequest parks the worker for out-of-band inspection.
type HoldRequest struct {
	Seconds int `json:"seconds"`
}

// Duration returns the requested hold length.
func (h *HoldRequest) Duration() time.Duration {
	if h == nil || h.Seconds <= 0 {
		return 0
	}
	return time.Duration(h.Seconds) * time.Second
}

// Input is the object under the platform's "input" key. Clients only ever set
// EncryptedInput; the prompt-mode fields exist for the legacy harness format,
// where only the prompt text is sealed.
type Input struct {
	EncryptedInput  string `json:"encrypted_input,omitempty"`
	EncryptedPrompt string `json:"encrypted_prompt,omitempty"`

	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Steps    int     `json:"steps,omitempty"`
	CfgScale float64 `json:"cfg_scale,omitempty"`
	Seed     *int64  `json:"seed,omitempty"`
}

// Job is a unit of work as delivered by a job source.
type Job struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// Result is the plaintext outcome produced by the worker pipeline.
type Result struct {
	Status  string `json:"status"` // success | error
	Image   string `json:"image,omitempty"`
	Message string `json:"message,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// SealedResult wraps an encrypted Result.
type SealedResult struct {
	EncryptedOutput string `json:"encrypted_output"`
}

// Success builds a success outcome from a base64 image.
func Success(imageB64, stdout string) *Result {
	return &Result{Status: StatusSuccess, Image: imageB64, Stdout: stdout}
}

// Failure builds a failure outcome. Streams may be empty.
func Failure(message, stdout, stderr string) *Result {
	return &Result{Status: StatusError, Message: message, Stdout: stdout, Stderr: stderr}
}

// DecryptionFailure is the generic security-layer outcome.
func DecryptionFailure() *Result {
	return &Result{Status: StatusError, Message: MessageDecryptionFailed}
}

// OK reports whether r is a success outcome carrying an image.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusSuccess && r.Image != ""
}
