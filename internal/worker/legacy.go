package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/sdseal/internal/protocol"
)

// legacyArguments builds the argument list for the encrypted_prompt format:
// only the prompt is sealed, generation parameters ride alongside it in the
// clear, and the model roles come from the runtime.
func (w *Worker) legacyArguments(in *protocol.Input, prompt string) ([]string, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is empty")
	}
	if w.rt.roleFlagsErr != nil {
		return nil, w.rt.roleFlagsErr
	}

	args := make([]string, 0, len(w.rt.roleFlags)+12)
	args = append(args, w.rt.roleFlags...)
	args = append(args, "-p", prompt)
	if in.Width > 0 {
		args = append(args, "-W", strconv.Itoa(in.Width))
	}
	if in.Height > 0 {
		args = append(args, "-H", strconv.Itoa(in.Height))
	}
	if in.Steps > 0 {
		args = append(args, "--steps", strconv.Itoa(in.Steps))
	}
	if in.CfgScale > 0 {
		args = append(args, "--cfg-scale", strconv.FormatFloat(in.CfgScale, 'f', -1, 64))
	}
	if in.Seed != nil {
		args = append(args, "-s", strconv.FormatInt(*in.Seed, 10))
	}
	return args, nil
}
