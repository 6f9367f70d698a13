package models

import (
	"errors"
	"fmt"
)

// Default role file names, matching the reference deployment.
const (
	DefaultDiffusionFile = "z_image_turbo-Q4_K.gguf"
	DefaultLLMFile       = "Qwen3-4B-Instruct-2507-Q4_K_M.gguf"
	DefaultVAEFile       = "ae.safetensors"
)

// ErrUnresolvedRole is returned when a role names a model that was not
// resolved.
var ErrUnresolvedRole = errors.New("model role not resolved")

// Roles maps the binary's model flags to resolved model names.
type Roles struct {
	Diffusion string `yaml:"diffusion"`
	LLM       string `yaml:"llm"`
	VAE       string `yaml:"vae"`
}

// DefaultRoles returns the reference deployment's role mapping.
func DefaultRoles() Roles {
	return Roles{Diffusion: DefaultDiffusionFile, LLM: DefaultLLMFile, VAE: DefaultVAEFile}
}

// Flags returns the model flags for the roles that are set, with paths taken
// from m.
func (r Roles) Flags(m Map) ([]string, error) {
	pairs := []struct {
		flag string
		name string
	}{
		{"--diffusion-model", r.Diffusion},
		{"--llm", r.LLM},
		{"--vae", r.VAE},
	}

	var out []string
	for _, p := range pairs {
		if p.name == "" {
			continue
		}
		model, ok := m[p.name]
		if !ok {
			return nil, fmt.Errorf("%w: %s (%s)", ErrUnresolvedRole, p.name, p.flag)
		}
		out = append(out, p.flag, model.Path)
	}
	return out, nil
}
