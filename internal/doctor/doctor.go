// Package doctor runs sdseal-worker preflight checks.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/sdseal/internal/config"
	"github.com/mattjoyce/sdseal/internal/envelope"
	"github.com/mattjoyce/sdseal/internal/lock"
	"github.com/mattjoyce/sdseal/internal/models"
	"github.com/mattjoyce/sdseal/internal/scratch"
	"github.com/mattjoyce/sdseal/internal/worker"
)

// Mode selects the job-source checks to run.
type Mode string

const (
	ModeNone       Mode = ""
	ModeServe      Mode = "serve"
	ModeServerless Mode = "serverless"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
	Notes    []Issue `json:"notes,omitempty"`
}

// Issue describes a single validation error, warning or note.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a worker configuration against the local machine.
type Doctor struct {
	cfg  *config.Worker
	mode Mode
}

// New creates a Doctor for cfg.
func New(cfg *config.Worker, mode Mode) *Doctor {
	return &Doctor{cfg: cfg, mode: mode}
}

// Validate runs all checks and returns a result. It never downloads models
// and never runs the binary.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkBinary(r)
	d.checkKey(r)
	d.checkResultPolicy(r)
	d.checkScratch(r)
	d.checkModels(r)
	d.checkAdminHold(r)
	d.checkMode(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addNote(r *Result, category, field, msg string) {
	r.Notes = append(r.Notes, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkBinary(r *Result) {
	info, err := os.Stat(d.cfg.Binary)
	switch {
	case d.cfg.Binary == "":
		d.addError(r, "binary", "SD_BINARY_PATH", "binary path is not set")
	case err != nil:
		d.addError(r, "binary", "SD_BINARY_PATH", fmt.Sprintf("binary %s: %v", d.cfg.Binary, err))
	case info.IsDir():
		d.addError(r, "binary", "SD_BINARY_PATH", fmt.Sprintf("binary %s is a directory", d.cfg.Binary))
	case info.Mode().Perm()&0o111 == 0:
		d.addError(r, "binary", "SD_BINARY_PATH", fmt.Sprintf("binary %s is not executable", d.cfg.Binary))
	}
	if d.cfg.JobTimeout <= 0 {
		d.addError(r, "binary", "JOB_TIMEOUT", "job timeout must be positive")
	}
}

// checkKey loads the key and proves it can seal and open a token.
func (d *Doctor) checkKey(r *Result) {
	key, err := d.cfg.Key.OpenKey()
	if err != nil {
		d.addError(r, "key", "ENCRYPTION_KEY", err.Error())
		return
	}
	defer func() { _ = key.Close() }()

	codec, err := envelope.NewCodec(d.cfg.Key.Scheme, key, envelope.Options{})
	if err != nil {
		d.addError(r, "key", "ENVELOPE_SCHEME", err.Error())
		return
	}
	token, err := codec.Seal([]byte("sdseal doctor"))
	if err == nil {
		_, err = codec.Open(token)
	}
	if err != nil {
		d.addError(r, "key", "ENCRYPTION_KEY", "key cannot seal and open a test envelope")
		return
	}
	d.addNote(r, "key", "ENCRYPTION_KEY", fmt.Sprintf("scheme %s, fingerprint %s", codec.Scheme(), envelope.Fingerprint(key.Bytes())))
}

func (d *Doctor) checkResultPolicy(r *Result) {
	policy, err := worker.ParseResultPolicy(d.cfg.ResultEncryption)
	if err != nil {
		d.addError(r, "results", "RESULT_ENCRYPTION", err.Error())
		return
	}
	if policy == worker.ResultPlain {
		d.addWarning(r, "results", "RESULT_ENCRYPTION", "results are returned in plaintext; the platform operator can read generated images")
	}
}

func (d *Doctor) checkScratch(r *Result) {
	store, err := scratch.New(d.cfg.Scratch.Dir)
	if err != nil {
		d.addError(r, "scratch", "SCRATCH_DIR", err.Error())
		return
	}

	volatile, fsType, err := store.Volatile()
	switch {
	case err != nil:
		d.addWarning(r, "scratch", "SCRATCH_DIR", fmt.Sprintf("could not determine filesystem type: %v", err))
	case !volatile && d.cfg.Scratch.RequireVolatile:
		d.addError(r, "scratch", "SCRATCH_DIR", fmt.Sprintf("%s is on %s, not a RAM-backed filesystem", store.Dir(), fsType))
	case !volatile:
		d.addWarning(r, "scratch", "SCRATCH_DIR", fmt.Sprintf("%s is on %s; plaintext artifacts may reach persistent storage", store.Dir(), fsType))
	default:
		d.addNote(r, "scratch", "SCRATCH_DIR", fmt.Sprintf("%s is on %s", store.Dir(), fsType))
	}

	l, err := store.Lock()
	if errors.Is(err, lock.ErrHeld) {
		d.addWarning(r, "scratch", "SCRATCH_DIR", "another worker holds the scratch lock")
		return
	}
	if err != nil {
		d.addError(r, "scratch", "SCRATCH_DIR", fmt.Sprintf("cannot lock scratch directory: %v", err))
		return
	}
	_ = l.Release()
}

func (d *Doctor) checkModels(r *Result) {
	mc := d.cfg.Models
	specs := models.Parse(mc.Spec)
	if len(specs) == 0 {
		if mc.Spec != "" {
			d.addWarning(r, "models", "MODELS", "no valid repo:file entries")
		}
		return
	}

	resolver := models.NewResolver(mc.CacheDir, mc.Dir, nil)
	names := make(map[string]bool, len(specs))
	for _, spec := range specs {
		m, ok, err := resolver.Locate(spec)
		if err != nil {
			d.addError(r, "models", "MODELS", err.Error())
			continue
		}
		if !ok {
			d.addWarning(r, "models", "MODELS", fmt.Sprintf("%s is not cached and will be downloaded to %s at startup", spec.Name(), filepath.Dir(m.Path)))
		}
		names[spec.Name()] = true
	}

	roles := []struct{ field, name string }{
		{"SD_DIFFUSION_FILE", mc.Roles.Diffusion},
		{"SD_LLM_FILE", mc.Roles.LLM},
		{"SD_VAE_FILE", mc.Roles.VAE},
	}
	for _, role := range roles {
		if role.name != "" && !names[role.name] {
			d.addWarning(r, "models", role.field, fmt.Sprintf("%s is not listed in MODELS; legacy prompt jobs will fail", role.name))
		}
	}
}

func (d *Doctor) checkAdminHold(r *Result) {
	if d.cfg.AdminHold.Allow {
		d.addWarning(r, "admin", "ALLOW_ADMIN_HOLD", fmt.Sprintf("admin hold is enabled (max %s)", d.cfg.AdminHold.Max))
	}
}

func (d *Doctor) checkMode(r *Result) {
	var err error
	switch d.mode {
	case ModeServe:
		err = d.cfg.ValidateServe()
	case ModeServerless:
		err = d.cfg.ValidateServerless()
	}
	if err != nil {
		d.addError(r, string(d.mode), "", err.Error())
	}
}

// FormatHuman renders r for a terminal.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case !r.Valid:
		fmt.Fprintf(&b, "Worker not ready (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	case len(r.Warnings) > 0:
		fmt.Fprintf(&b, "Worker ready (%d warning(s))\n", len(r.Warnings))
	default:
		b.WriteString("Worker ready.\n")
	}

	write := func(label string, issues []Issue) {
		for _, i := range issues {
			if i.Field != "" {
				fmt.Fprintf(&b, "  %-5s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
			} else {
				fmt.Fprintf(&b, "  %-5s [%s] %s\n", label, i.Category, i.Message)
			}
		}
	}
	write("ERROR", r.Errors)
	write("WARN", r.Warnings)
	write("INFO", r.Notes)

	return b.String()
}

// FormatJSON renders r as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
