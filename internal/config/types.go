package config

import (
	"time"

	"github.com/mattjoyce/sdseal/internal/models"
)

// Worker is the complete sdseal-worker configuration.
type Worker struct {
	Binary           string           `yaml:"binary"`
	Key              KeyConfig        `yaml:"key"`
	ResultEncryption string           `yaml:"result_encryption"` // encrypted | plain, required
	Models           ModelsConfig     `yaml:"models"`
	Scratch          ScratchConfig    `yaml:"scratch"`
	JobTimeout       time.Duration    `yaml:"job_timeout"`
	AdminHold        AdminHoldConfig  `yaml:"admin_hold"`
	Log              LogConfig        `yaml:"log"`
	Serve            ServeConfig      `yaml:"serve"`
	Serverless       ServerlessConfig `yaml:"serverless"`
}

// Client is the complete sdseal client configuration.
type Client struct {
	Endpoint               string        `yaml:"endpoint"`
	APIKey                 string        `yaml:"api_key"`
	Key                    KeyConfig     `yaml:"key"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	ErrorBackoff           time.Duration `yaml:"error_backoff"`
	RequestTimeout         time.Duration `yaml:"request_timeout"` // per HTTP request to the platform
	RequireEncryptedResult bool          `yaml:"require_encrypted_result"`
	Log                    LogConfig     `yaml:"log"`
}

// KeyConfig locates the pre-shared key. File wins over Value.
type KeyConfig struct {
	Scheme string `yaml:"scheme"` // fernet | age
	Value  string `yaml:"value,omitempty"`
	File   string `yaml:"file,omitempty"`
}

// ModelsConfig drives model resolution at worker startup.
type ModelsConfig struct {
	Spec        string       `yaml:"spec"` // repo:file,repo:file
	Dir         string       `yaml:"dir"`
	CacheDir    string       `yaml:"cache_dir"`
	RegistryURL string       `yaml:"registry_url"`
	Token       string       `yaml:"token,omitempty"`
	Roles       models.Roles `yaml:"roles"`
}

// ScratchConfig locates the plaintext scratch directory.
type ScratchConfig struct {
	Dir             string `yaml:"dir"`
	RequireVolatile bool   `yaml:"require_volatile"`
}

// AdminHoldConfig gates the administrative hold mode.
type AdminHoldConfig struct {
	Allow bool          `yaml:"allow"`
	Max   time.Duration `yaml:"max"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServeConfig configures the self-hosted platform.
type ServeConfig struct {
	Listen       string        `yaml:"listen"`
	APIKey       string        `yaml:"api_key"`
	DBPath       string        `yaml:"db_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Retention    time.Duration `yaml:"retention"` // finished jobs older than this are pruned
}

// ServerlessConfig configures the hosted-platform job source.
type ServerlessConfig struct {
	GetJobURL     string        `yaml:"get_job_url"`
	PostOutputURL string        `yaml:"post_output_url"`
	APIKey        string        `yaml:"api_key"`
	WorkerID      string        `yaml:"worker_id"`
	IdleBackoff   time.Duration `yaml:"idle_backoff"`
}

// WorkerDefaults returns a Worker with every optional field set.
func WorkerDefaults() *Worker {
	return &Worker{
		Binary: "/usr/local/bin/sd",
		Key:    KeyConfig{Scheme: "fernet"},
		Models: ModelsConfig{
			Dir:         models.DefaultModelDir,
			CacheDir:    models.DefaultCacheDir,
			RegistryURL: models.DefaultRegistryURL,
			Roles:       models.DefaultRoles(),
		},
		Scratch:    ScratchConfig{Dir: "/dev/shm/sdseal"},
		JobTimeout: 30 * time.Minute,
		AdminHold:  AdminHoldConfig{Max: time.Hour},
		Log:        LogConfig{Level: "info", Format: "json"},
		Serve: ServeConfig{
			Listen:       "127.0.0.1:8000",
			DBPath:       "./sdseal.db",
			PollInterval: time.Second,
			Retention:    24 * time.Hour,
		},
		Serverless: ServerlessConfig{IdleBackoff: time.Second},
	}
}

// ClientDefaults returns a Client with every optional field set.
func ClientDefaults() *Client {
	return &Client{
		Key:            KeyConfig{Scheme: "fernet"},
		PollInterval:   2 * time.Second,
		ErrorBackoff:   10 * time.Second,
		RequestTimeout: 60 * time.Second,
		Log:            LogConfig{Level: "warn", Format: "text"},
	}
}
