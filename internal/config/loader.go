package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/sdseal/internal/secret"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrNoKey is returned when neither a key value nor a key file is configured.
var ErrNoKey = errors.New("no encryption key configured (set ENCRYPTION_KEY or ENCRYPTION_KEY_FILE)")

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped and variables that are already set
// are left alone.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadWorker builds the worker configuration: defaults, then the optional
// YAML file at path, then environment variables.
func LoadWorker(path string) (*Worker, error) {
	return LoadWorkerWith(path, os.LookupEnv)
}

// LoadWorkerWith is LoadWorker with an injectable environment.
func LoadWorkerWith(path string, lookup LookupFunc) (*Worker, error) {
	cfg := WorkerDefaults()
	if err := loadFile(path, lookup, cfg); err != nil {
		return nil, err
	}
	if err := applyWorkerEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := validateWorker(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadClient builds the client configuration the same way as LoadWorker.
func LoadClient(path string) (*Client, error) {
	return LoadClientWith(path, os.LookupEnv)
}

// LoadClientWith is LoadClient with an injectable environment.
func LoadClientWith(path string, lookup LookupFunc) (*Client, error) {
	cfg := ClientDefaults()
	if err := loadFile(path, lookup, cfg); err != nil {
		return nil, err
	}
	if err := applyClientEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := validateClient(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, lookup LookupFunc, out any) error {
	if path == "" {
		return nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	interpolated := interpolateEnv(string(data), lookup)
	if m := envVarPattern.FindStringSubmatch(interpolated); m != nil {
		return fmt.Errorf("config %s references unset environment variable %s", absPath, m[1])
	}
	if err := yaml.Unmarshal([]byte(interpolated), out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", absPath, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values. Unset
// variables are left in place.
func interpolateEnv(input string, lookup LookupFunc) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := lookup(varName); exists {
			return value
		}
		return match
	})
}

// envReader collects the first parse error so overlays read straight through.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.fail(fmt.Errorf("%s must be true or false (got %q)", key, v))
		return
	}
	*dst = b
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	d, err := ParseDuration(v)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (r *envReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// ParseDuration accepts Go durations ("90s", "5m") and bare seconds ("90").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use e.g. 30s, 5m or plain seconds)", s)
	}
	return d, nil
}

func applyKeyEnv(r *envReader, key *KeyConfig) {
	r.str("ENVELOPE_SCHEME", &key.Scheme)
	r.str("ENCRYPTION_KEY", &key.Value)
	r.str("ENCRYPTION_KEY_FILE", &key.File)
}

func applyWorkerEnv(cfg *Worker, lookup LookupFunc) error {
	r := &envReader{lookup: lookup}

	r.str("SD_BINARY_PATH", &cfg.Binary)
	applyKeyEnv(r, &cfg.Key)
	r.str("RESULT_ENCRYPTION", &cfg.ResultEncryption)

	r.str("MODELS", &cfg.Models.Spec)
	r.str("MODEL_DIR", &cfg.Models.Dir)
	r.str("MODEL_CACHE_DIR", &cfg.Models.CacheDir)
	r.str("MODEL_REGISTRY_URL", &cfg.Models.RegistryURL)
	r.str("HF_TOKEN", &cfg.Models.Token)
	r.str("SD_DIFFUSION_FILE", &cfg.Models.Roles.Diffusion)
	r.str("SD_LLM_FILE", &cfg.Models.Roles.LLM)
	r.str("SD_VAE_FILE", &cfg.Models.Roles.VAE)

	r.str("SCRATCH_DIR", &cfg.Scratch.Dir)
	r.boolean("REQUIRE_VOLATILE_SCRATCH", &cfg.Scratch.RequireVolatile)
	r.duration("JOB_TIMEOUT", &cfg.JobTimeout)
	r.boolean("ALLOW_ADMIN_HOLD", &cfg.AdminHold.Allow)
	r.duration("ADMIN_HOLD_MAX", &cfg.AdminHold.Max)

	r.str("LOG_LEVEL", &cfg.Log.Level)
	r.str("LOG_FORMAT", &cfg.Log.Format)

	r.str("SDSEAL_LISTEN", &cfg.Serve.Listen)
	r.str("SDSEAL_API_KEY", &cfg.Serve.APIKey)
	r.str("SDSEAL_DB_PATH", &cfg.Serve.DBPath)
	r.duration("SDSEAL_RETENTION", &cfg.Serve.Retention)

	r.str("RUNPOD_WEBHOOK_GET_JOB", &cfg.Serverless.GetJobURL)
	r.str("RUNPOD_WEBHOOK_POST_OUTPUT", &cfg.Serverless.PostOutputURL)
	r.str("RUNPOD_AI_API_KEY", &cfg.Serverless.APIKey)
	r.str("RUNPOD_POD_ID", &cfg.Serverless.WorkerID)

	return r.err
}

func applyClientEnv(cfg *Client, lookup LookupFunc) error {
	r := &envReader{lookup: lookup}

	r.str("SDSEAL_ENDPOINT", &cfg.Endpoint)
	r.str("SDSEAL_API_KEY", &cfg.APIKey)
	applyKeyEnv(r, &cfg.Key)
	r.duration("SDSEAL_POLL_INTERVAL", &cfg.PollInterval)
	r.duration("SDSEAL_ERROR_BACKOFF", &cfg.ErrorBackoff)
	r.duration("SDSEAL_REQUEST_TIMEOUT", &cfg.RequestTimeout)
	r.boolean("SDSEAL_REQUIRE_ENCRYPTED_RESULT", &cfg.RequireEncryptedResult)
	r.str("LOG_LEVEL", &cfg.Log.Level)
	r.str("LOG_FORMAT", &cfg.Log.Format)

	return r.err
}

// OpenKey loads the configured key into a locked buffer. The caller closes it.
func (k KeyConfig) OpenKey() (*secret.Buffer, error) {
	switch {
	case k.File != "":
		buf, err := secret.ReadFile(k.File)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return buf, nil
	case k.Value != "":
		return secret.NewFromBytes([]byte(k.Value))
	default:
		return nil, ErrNoKey
	}
}

func validateKey(k KeyConfig) error {
	switch strings.ToLower(k.Scheme) {
	case "fernet", "age":
	default:
		return fmt.Errorf("key.scheme / ENVELOPE_SCHEME must be fernet or age (got %q)", k.Scheme)
	}
	if k.File == "" && k.Value == "" {
		return ErrNoKey
	}
	return nil
}

func validateLog(l LogConfig) error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error (got %q)", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text (got %q)", l.Format)
	}
	return nil
}

func validateWorker(cfg *Worker) error {
	if cfg.Binary == "" {
		return fmt.Errorf("binary / SD_BINARY_PATH is required")
	}
	if err := validateKey(cfg.Key); err != nil {
		return err
	}
	switch cfg.ResultEncryption {
	case "encrypted", "plain":
	case "":
		return fmt.Errorf("result_encryption / RESULT_ENCRYPTION must be set to encrypted or plain; there is no default")
	default:
		return fmt.Errorf("result_encryption / RESULT_ENCRYPTION must be encrypted or plain (got %q)", cfg.ResultEncryption)
	}
	if cfg.Scratch.Dir == "" {
		return fmt.Errorf("scratch.dir / SCRATCH_DIR is required")
	}
	if cfg.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout / JOB_TIMEOUT must be positive")
	}
	if cfg.AdminHold.Max <= 0 {
		return fmt.Errorf("admin_hold.max / ADMIN_HOLD_MAX must be positive")
	}
	if cfg.Models.RegistryURL != "" {
		if err := validateURL("models.registry_url", cfg.Models.RegistryURL); err != nil {
			return err
		}
	}
	return validateLog(cfg.Log)
}

// ValidateServe checks the settings the serve mode needs.
func (cfg *Worker) ValidateServe() error {
	if cfg.Serve.Listen == "" {
		return fmt.Errorf("serve.listen / SDSEAL_LISTEN is required")
	}
	if cfg.Serve.APIKey == "" {
		return fmt.Errorf("serve.api_key / SDSEAL_API_KEY is required for serve mode")
	}
	if cfg.Serve.DBPath == "" {
		return fmt.Errorf("serve.db_path / SDSEAL_DB_PATH is required")
	}
	if cfg.Serve.PollInterval <= 0 {
		return fmt.Errorf("serve.poll_interval must be positive")
	}
	if cfg.Serve.Retention <= 0 {
		return fmt.Errorf("serve.retention / SDSEAL_RETENTION must be positive")
	}
	return nil
}

// ValidateServerless checks the settings the serverless mode needs.
func (cfg *Worker) ValidateServerless() error {
	if err := validateURL("RUNPOD_WEBHOOK_GET_JOB", cfg.Serverless.GetJobURL); err != nil {
		return err
	}
	if err := validateURL("RUNPOD_WEBHOOK_POST_OUTPUT", cfg.Serverless.PostOutputURL); err != nil {
		return err
	}
	if cfg.Serverless.IdleBackoff <= 0 {
		return fmt.Errorf("serverless.idle_backoff must be positive")
	}
	return nil
}

func validateClient(cfg *Client) error {
	if err := validateURL("endpoint / SDSEAL_ENDPOINT", cfg.Endpoint); err != nil {
		return err
	}
	if err := validateKey(cfg.Key); err != nil {
		return err
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval / SDSEAL_POLL_INTERVAL must be positive")
	}
	if cfg.ErrorBackoff <= 0 {
		return fmt.Errorf("error_backoff / SDSEAL_ERROR_BACKOFF must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout / SDSEAL_REQUEST_TIMEOUT must be positive")
	}
	return validateLog(cfg.Log)
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an http(s) URL (got %q)", name, raw)
	}
	return nil
}
