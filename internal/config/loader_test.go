package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return p
}

func TestLoadWorker(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Worker)
	}{
		{
			name: "env only",
			env: map[string]string{
				"ENCRYPTION_KEY":    "k",
				"RESULT_ENCRYPTION": "encrypted",
			},
			checkFn: func(t *testing.T, cfg *Worker) {
				if cfg.Binary != "/usr/local/bin/sd" {
					t.Errorf("binary default = %q", cfg.Binary)
				}
				if cfg.Scratch.Dir != "/dev/shm/sdseal" {
					t.Errorf("scratch default = %q", cfg.Scratch.Dir)
				}
				if cfg.Models.Roles.VAE != "ae.safetensors" {
					t.Errorf("vae role default = %q", cfg.Models.Roles.VAE)
				}
				if cfg.JobTimeout != 30*time.Minute {
					t.Errorf("job timeout default = %v", cfg.JobTimeout)
				}
			},
		},
		{
			name: "file with interpolation, env overrides",
			yaml: `
binary: /opt/sd/bin/sd
key:
  scheme: age
  file: ${KEY_DIR}/key
result_encryption: plain
models:
  spec: "org/a:a.gguf"
  roles:
    diffusion: a.gguf
scratch:
  dir: /dev/shm/one
  require_volatile: true
job_timeout: 5m
`,
			env: map[string]string{
				"KEY_DIR":     "/run/secrets",
				"SCRATCH_DIR": "/dev/shm/two",
				"JOB_TIMEOUT": "90",
				"SD_LLM_FILE": "llm.gguf",
			},
			checkFn: func(t *testing.T, cfg *Worker) {
				if cfg.Binary != "/opt/sd/bin/sd" {
					t.Errorf("binary = %q", cfg.Binary)
				}
				if cfg.Key.File != "/run/secrets/key" || cfg.Key.Scheme != "age" {
					t.Errorf("key = %+v", cfg.Key)
				}
				if cfg.Scratch.Dir != "/dev/shm/two" || !cfg.Scratch.RequireVolatile {
					t.Errorf("scratch = %+v", cfg.Scratch)
				}
				if cfg.JobTimeout != 90*time.Second {
					t.Errorf("job timeout = %v", cfg.JobTimeout)
				}
				if cfg.Models.Roles.Diffusion != "a.gguf" || cfg.Models.Roles.LLM != "llm.gguf" {
					t.Errorf("roles = %+v", cfg.Models.Roles)
				}
			},
		},
		{
			name:    "result policy has no default",
			env:     map[string]string{"ENCRYPTION_KEY": "k"},
			wantErr: "there is no default",
		},
		{
			name:    "unknown result policy",
			env:     map[string]string{"ENCRYPTION_KEY": "k", "RESULT_ENCRYPTION": "maybe"},
			wantErr: "RESULT_ENCRYPTION",
		},
		{
			name:    "missing key",
			env:     map[string]string{"RESULT_ENCRYPTION": "plain"},
			wantErr: "ENCRYPTION_KEY",
		},
		{
			name:    "bad scheme",
			env:     map[string]string{"ENCRYPTION_KEY": "k", "RESULT_ENCRYPTION": "plain", "ENVELOPE_SCHEME": "rot13"},
			wantErr: "ENVELOPE_SCHEME",
		},
		{
			name:    "bad bool",
			env:     map[string]string{"ENCRYPTION_KEY": "k", "RESULT_ENCRYPTION": "plain", "ALLOW_ADMIN_HOLD": "sure"},
			wantErr: "ALLOW_ADMIN_HOLD",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"ENCRYPTION_KEY": "k", "RESULT_ENCRYPTION": "plain", "JOB_TIMEOUT": "soon"},
			wantErr: "JOB_TIMEOUT",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"ENCRYPTION_KEY": "k", "RESULT_ENCRYPTION": "plain", "LOG_LEVEL": "loud"},
			wantErr: "log.level",
		},
		{
			name:    "unset variable in file",
			yaml:    "binary: ${MISSING_VAR}\n",
			env:     map[string]string{"ENCRYPTION_KEY": "k", "RESULT_ENCRYPTION": "plain"},
			wantErr: "MISSING_VAR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.yaml != "" {
				path = writeConfig(t, tt.yaml)
			}

			cfg, err := LoadWorkerWith(path, envMap(tt.env))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("LoadWorkerWith() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadWorkerWith() error = %v", err)
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadWorkerMissingFile(t *testing.T) {
	_, err := LoadWorkerWith(filepath.Join(t.TempDir(), "nope.yaml"), envMap(nil))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("error = %v", err)
	}
}

func TestWorkerModeValidation(t *testing.T) {
	base := map[string]string{"ENCRYPTION_KEY": "k", "RESULT_ENCRYPTION": "encrypted"}

	cfg, err := LoadWorkerWith("", envMap(base))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.ValidateServe(); err == nil || !strings.Contains(err.Error(), "SDSEAL_API_KEY") {
		t.Fatalf("ValidateServe() = %v, want api key error", err)
	}
	cfg.Serve.APIKey = "token"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("ValidateServe() = %v", err)
	}

	if err := cfg.ValidateServerless(); err == nil {
		t.Fatal("ValidateServerless() should require webhook URLs")
	}
	cfg.Serverless.GetJobURL = "https://api.runpod.ai/v2/ep/job-take/$ID?gpu=x"
	cfg.Serverless.PostOutputURL = "https://api.runpod.ai/v2/ep/job-done/$RUNPOD_POD_ID/$ID?gpu=x"
	if err := cfg.ValidateServerless(); err != nil {
		t.Fatalf("ValidateServerless() = %v", err)
	}
}

func TestLoadClient(t *testing.T) {
	cfg, err := LoadClientWith("", envMap(map[string]string{
		"SDSEAL_ENDPOINT":                 "https://api.runpod.ai/v2/abc",
		"SDSEAL_API_KEY":                  "rp_key",
		"ENCRYPTION_KEY":                  "k",
		"SDSEAL_POLL_INTERVAL":            "500ms",
		"SDSEAL_REQUEST_TIMEOUT":          "15s",
		"SDSEAL_REQUIRE_ENCRYPTED_RESULT": "true",
	}))
	if err != nil {
		t.Fatalf("LoadClientWith() error = %v", err)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.PollInterval)
	}
	if cfg.ErrorBackoff != 10*time.Second {
		t.Errorf("error backoff default = %v", cfg.ErrorBackoff)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Errorf("request timeout = %v", cfg.RequestTimeout)
	}
	if !cfg.RequireEncryptedResult {
		t.Error("require encrypted result not applied")
	}

	if _, err := LoadClientWith("", envMap(map[string]string{"ENCRYPTION_KEY": "k"})); err == nil {
		t.Fatal("expected error without endpoint")
	}
	if _, err := LoadClientWith("", envMap(map[string]string{"ENCRYPTION_KEY": "k", "SDSEAL_ENDPOINT": "ftp://x"})); err == nil {
		t.Fatal("expected error for non-http endpoint")
	}
	if _, err := LoadClientWith("", envMap(map[string]string{"ENCRYPTION_KEY": "k", "SDSEAL_ENDPOINT": "https://x", "SDSEAL_REQUEST_TIMEOUT": "0s"})); err == nil {
		t.Fatal("expected error for zero request timeout")
	}
}

func TestOpenKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key")
	if err := os.WriteFile(keyPath, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	buf, err := KeyConfig{File: keyPath, Value: "ignored"}.OpenKey()
	if err != nil {
		t.Fatalf("OpenKey(file) error = %v", err)
	}
	if buf.String() != "from-file" {
		t.Errorf("key from file = %q", buf.String())
	}
	_ = buf.Close()

	buf, err = KeyConfig{Value: "inline"}.OpenKey()
	if err != nil {
		t.Fatalf("OpenKey(value) error = %v", err)
	}
	if buf.String() != "inline" {
		t.Errorf("inline key = %q", buf.String())
	}
	_ = buf.Close()

	if _, err := (KeyConfig{}).OpenKey(); !errors.Is(err, ErrNoKey) {
		t.Fatalf("OpenKey(empty) error = %v, want ErrNoKey", err)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{"30": 30 * time.Second, "2m": 2 * time.Minute, " 1h ": time.Hour}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil || got != want {
			t.Errorf("ParseDuration(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseDuration("later"); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("SDSEAL_DOTENV_TEST=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SDSEAL_DOTENV_TEST", "")
	os.Unsetenv("SDSEAL_DOTENV_TEST")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), p); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("SDSEAL_DOTENV_TEST"); got != "from-dotenv" {
		t.Fatalf("SDSEAL_DOTENV_TEST = %q", got)
	}
}
