package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DedupeForever = "forever"
	DedupeWindow  = "window"

	StorageFS = "fs"
	StorageS3 = "s3"
)

// Config models intentline.yml.
type Config struct {
	Runtime      Runtime                 `yaml:"runtime"`
	Intents      map[string]IntentPolicy `yaml:"intents"`
	Capabilities map[string][]string     `yaml:"capabilities"`
	Storage      Storage                 `yaml:"storage"`
	Server       Server                  `yaml:"server"`
	Telemetry    Telemetry               `yaml:"telemetry"`
	Index        Index                   `yaml:"index"`
	Cache        Cache                   `yaml:"cache"`
	Webhooks     []WebhookConfig         `yaml:"webhooks"`
}

type Runtime struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	StuckGrace      time.Duration `yaml:"stuck_grace"`
	RequeueAfter    time.Duration `yaml:"requeue_after"`
	// SubmitRate is submissions per second per tenant; 0 disables limiting.
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`
}

// IntentPolicy overrides the registration defaults of one intent type.
type IntentPolicy struct {
	Dedupe   string        `yaml:"dedupe"`
	Window   time.Duration `yaml:"window"`
	Deadline time.Duration `yaml:"deadline"`
}

type Storage struct {
	Kind string `yaml:"kind"`
	FS   struct {
		Root string `yaml:"root"`
	} `yaml:"fs"`
	S3 struct {
		Endpoint  string `yaml:"endpoint"`
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"s3"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`

	// RequireAuth demands a bearer token or API key even without a JWT secret.
	RequireAuth bool `yaml:"require_auth"`
}

// AuthEnabled reports whether requests must carry tenant credentials.
func (s Server) AuthEnabled() bool {
	return s.RequireAuth || s.JWTSecret != ""
}

// WebhookConfig delivers execution events to an HTTP endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Tenants        []string `yaml:"tenants"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

type Index struct {
	QueueSize       int           `yaml:"queue_size"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type Cache struct {
	ArtifactEntries int `yaml:"artifact_entries"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with intentline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Runtime.Workers <= 0 {
		return fmt.Errorf("config.runtime.workers must be positive")
	}
	if c.Runtime.QueueSize <= 0 {
		return fmt.Errorf("config.runtime.queue_size must be positive")
	}
	if c.Runtime.DefaultDeadline <= 0 {
		return fmt.Errorf("config.runtime.default_deadline must be positive")
	}
	if c.Runtime.SweepInterval <= 0 {
		return fmt.Errorf("config.runtime.sweep_interval must be positive")
	}
	if c.Runtime.StuckGrace < 0 || c.Runtime.RequeueAfter < 0 {
		return fmt.Errorf("config.runtime durations must not be negative")
	}
	if c.Runtime.SubmitRate < 0 {
		return fmt.Errorf("config.runtime.submit_rate must not be negative")
	}
	if c.Runtime.SubmitRate > 0 && c.Runtime.SubmitBurst <= 0 {
		return fmt.Errorf("config.runtime.submit_burst must be positive when submit_rate is set")
	}
	for intentType, p := range c.Intents {
		if intentType == "" {
			return fmt.Errorf("config.intents contains empty intent type")
		}
		switch p.Dedupe {
		case "", DedupeForever:
		case DedupeWindow:
			if p.Window <= 0 {
				return fmt.Errorf("intent %s: window dedupe requires a positive window", intentType)
			}
		default:
			return fmt.Errorf("intent %s: dedupe must be forever or window, got %q", intentType, p.Dedupe)
		}
		if p.Deadline < 0 {
			return fmt.Errorf("intent %s: deadline must not be negative", intentType)
		}
	}
	for role, intents := range c.Capabilities {
		if role == "" {
			return fmt.Errorf("config.capabilities contains empty role")
		}
		for _, it := range intents {
			if it == "" {
				return fmt.Errorf("role %s has empty intent type", role)
			}
		}
	}
	switch c.Storage.Kind {
	case StorageFS:
	case StorageS3:
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("config.storage.s3 requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("config.storage.kind must be fs or s3, got %q", c.Storage.Kind)
	}
	if c.Index.QueueSize <= 0 {
		return fmt.Errorf("config.index.queue_size must be positive")
	}
	if c.Cache.ArtifactEntries < 0 {
		return fmt.Errorf("config.cache.artifact_entries must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Deadline returns the configured deadline for intentType, or fallback.
func (c *Config) Deadline(intentType string, fallback time.Duration) time.Duration {
	if p, ok := c.Intents[intentType]; ok && p.Deadline > 0 {
		return p.Deadline
	}
	if fallback > 0 {
		return fallback
	}
	return c.Runtime.DefaultDeadline
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "intentline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `runtime:
  workers: 4
  queue_size: 256
  default_deadline: 30s
  sweep_interval: 5s
  stuck_grace: 10s
  requeue_after: 30s
  submit_rate: 0
  submit_burst: 0

intents:
  create_session:
    dedupe: window
    window: 30s

capabilities: {}

storage:
  kind: fs
  fs:
    root: .intentline/blobs

server:
  addr: 127.0.0.1:8080
  base_path: /v1

telemetry:
  service_name: intentline

index:
  queue_size: 1024
  refresh_interval: 30s

cache:
  artifact_entries: 1024
`
