// Package worker runs sealed jobs: it opens the envelope, builds the binary's
// argument vector, runs the binary against a private scratch store, and seals
// the outcome.
//
// A Worker handles one job at a time. Its scratch store has a single slot per
// role, so callers must serialize Handle calls.
package worker

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/sdseal/internal/envelope"
	"github.com/mattjoyce/sdseal/internal/log"
	"github.com/mattjoyce/sdseal/internal/models"
	"github.com/mattjoyce/sdseal/internal/scratch"
)

const (
	// DefaultJobTimeout bounds a single run of the binary.
	DefaultJobTimeout = 30 * time.Minute

	// DefaultMaxHold caps an admin hold.
	DefaultMaxHold = time.Hour
)

// ResultPolicy says how outcomes travel back to the client.
type ResultPolicy string

const (
	ResultEncrypted ResultPolicy = "encrypted"
	ResultPlain     ResultPolicy = "plain"
)

// ParseResultPolicy validates a RESULT_ENCRYPTION value. There is no default.
func ParseResultPolicy(s string) (ResultPolicy, error) {
	switch ResultPolicy(s) {
	case ResultEncrypted, ResultPlain:
		return ResultPolicy(s), nil
	case "":
		return "", fmt.Errorf("result encryption policy is not set (want %q or %q)", ResultEncrypted, ResultPlain)
	default:
		return "", fmt.Errorf("unknown result encryption policy %q (want %q or %q)", s, ResultEncrypted, ResultPlain)
	}
}

// Runtime is the per-process context every job runs in. It is built once
// at startup and never mutated afterwards.
type Runtime struct {
	Binary       string
	Codec        envelope.Codec
	Results      ResultPolicy
	Models       models.Map
	Roles        models.Roles
	Scratch      *scratch.Store
	JobTimeout   time.Duration
	AllowHold    bool
	MaxHold      time.Duration
	Logger       *slog.Logger
	modelPaths   map[string]string
	roleFlags    []string
	roleFlagsErr error
}

// NewRuntime validates rt and precomputes the model lookups. The binary must
// exist and be executable.
func NewRuntime(rt Runtime) (*Runtime, error) {
	if rt.Codec == nil {
		return nil, envelope.ErrNoKey
	}
	if _, err := ParseResultPolicy(string(rt.Results)); err != nil {
		return nil, err
	}
	if rt.Scratch == nil {
		return nil, fmt.Errorf("scratch store is required")
	}
	if err := checkExecutable(rt.Binary); err != nil {
		return nil, err
	}
	if rt.JobTimeout <= 0 {
		rt.JobTimeout = DefaultJobTimeout
	}
	if rt.MaxHold <= 0 {
		rt.MaxHold = DefaultMaxHold
	}
	if rt.Logger == nil {
		rt.Logger = log.WithComponent("worker")
	}
	if rt.Models == nil {
		rt.Models = models.Map{}
	}
	rt.modelPaths = rt.Models.Paths()
	rt.roleFlags, rt.roleFlagsErr = rt.Roles.Flags(rt.Models)
	return &rt, nil
}

func checkExecutable(path string) error {
	if path == "" {
		return fmt.Errorf("binary path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("binary %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("binary %s is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("binary %s is not executable", path)
	}
	return nil
}
