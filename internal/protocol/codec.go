package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingEnvelope is returned when a platform input carries no sealed field.
var ErrMissingEnvelope = errors.New("input carries no encrypted field")

// CommandString encodes a single command line for JobRequest.CmdArgs.
func CommandString(cmd string) json.RawMessage {
	data, _ := json.Marshal(cmd)
	return data
}

// CommandList encodes pre-split arguments for JobRequest.CmdArgs.
func CommandList(args []string) json.RawMessage {
	if args == nil {
		args = []string{}
	}
	data, _ := json.Marshal(args)
	return data
}

// EncodeInput renders the platform submit body: {"input":{"encrypted_input":token}}.
// Nothing but the token is ever placed in the outer JSON.
func EncodeInput(token string) ([]byte, error) {
	if token == "" {
		return nil, fmt.Errorf("empty envelope token")
	}
	body := struct {
		Input Input `json:"input"`
	}{Input: Input{EncryptedInput: token}}
	return json.Marshal(body)
}

// DecodeInput parses the object under "input" and checks that a sealed field
// is present.
func DecodeInput(data []byte) (*Input, error) {
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("input is not a JSON object: %w", err)
	}
	if in.EncryptedInput == "" && in.EncryptedPrompt == "" {
		return nil, ErrMissingEnvelope
	}
	return &in, nil
}

// DecodeJobRequest parses a decrypted JobRequest.
func DecodeJobRequest(data []byte) (*JobRequest, error) {
	var req JobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("job request is not valid JSON: %w", err)
	}
	return &req, nil
}

// DecodeResult parses and validates a Result.
func DecodeResult(data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("result is empty")
	}

	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("result is not valid JSON: %w", err)
	}

	switch r.Status {
	case StatusSuccess:
		if r.Image == "" {
			return nil, fmt.Errorf("result has status=success but no image")
		}
	case StatusError:
		if r.Message == "" {
			return nil, fmt.Errorf("result has status=error but no message")
		}
	case "":
		return nil, fmt.Errorf("result missing required field: status")
	default:
		return nil, fmt.Errorf("invalid status value: %q (must be 'success' or 'error')", r.Status)
	}
	return &r, nil
}

// SealedToken returns the encrypted_output token when data is a sealed result.
func SealedToken(data []byte) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", false
	}
	raw, ok := fields[FieldEncryptedOutput]
	if !ok {
		return "", false
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil || token == "" {
		return "", false
	}
	return token, true
}
