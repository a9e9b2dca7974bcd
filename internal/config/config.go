package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config models hellafresh.yml.
type Config struct {
	Review   Review          `yaml:"review"`
	Mint     Mint            `yaml:"mint"`
	Server   Server          `yaml:"server"`
	Storage  Storage         `yaml:"storage"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Review holds the quorum policy.
type Review struct {
	Quorum    int    `yaml:"quorum" env:"HELLAFRESH_REVIEW_QUORUM"`
	TiePolicy string `yaml:"tie_policy" env:"HELLAFRESH_REVIEW_TIE_POLICY"`
}

// Mint configures the ledger adapter and the retry policy of the mint worker.
type Mint struct {
	Adapter           string        `yaml:"adapter" env:"HELLAFRESH_MINT_ADAPTER"`
	Endpoint          string        `yaml:"endpoint" env:"HELLAFRESH_MINT_ENDPOINT"`
	Token             string        `yaml:"token" env:"HELLAFRESH_MINT_TOKEN"`
	Timeout           time.Duration `yaml:"timeout" env:"HELLAFRESH_MINT_TIMEOUT"`
	MaxAttempts       int           `yaml:"max_attempts" env:"HELLAFRESH_MINT_MAX_ATTEMPTS"`
	BaseDelay         time.Duration `yaml:"base_delay" env:"HELLAFRESH_MINT_BASE_DELAY"`
	MaxDelay          time.Duration `yaml:"max_delay" env:"HELLAFRESH_MINT_MAX_DELAY"`
	ExhaustedCooldown time.Duration `yaml:"exhausted_cooldown" env:"HELLAFRESH_MINT_EXHAUSTED_COOLDOWN"`
	ProcessingLease   time.Duration `yaml:"processing_lease" env:"HELLAFRESH_MINT_PROCESSING_LEASE"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"HELLAFRESH_MINT_POLL_INTERVAL"`
	BatchSize         int           `yaml:"batch_size" env:"HELLAFRESH_MINT_BATCH_SIZE"`
	Concurrency       int           `yaml:"concurrency" env:"HELLAFRESH_MINT_CONCURRENCY"`
}

// Server configures the HTTP API.
type Server struct {
	Addr      string `yaml:"addr" env:"HELLAFRESH_ADDR"`
	BasePath  string `yaml:"base_path" env:"HELLAFRESH_BASE_PATH"`
	JWTSecret string `yaml:"jwt_secret" env:"HELLAFRESH_JWT_SECRET"`

	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string `yaml:"cors_origins" env:"HELLAFRESH_CORS_ORIGINS" envSeparator:","`
}

// Storage tunes the workspace database.
type Storage struct {
	BusyTimeout time.Duration `yaml:"busy_timeout" env:"HELLAFRESH_STORAGE_BUSY_TIMEOUT"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Adapter names.
const (
	AdapterMemory = "memory"
	AdapterHTTP   = "http"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Review.Quorum < 1 {
		return fmt.Errorf("config.review.quorum must be at least 1")
	}
	switch c.Review.TiePolicy {
	case "wait", "reject":
	default:
		return fmt.Errorf("config.review.tie_policy must be 'wait' or 'reject', got %q", c.Review.TiePolicy)
	}
	switch c.Mint.Adapter {
	case AdapterMemory:
	case AdapterHTTP:
		if strings.TrimSpace(c.Mint.Endpoint) == "" {
			return fmt.Errorf("config.mint.endpoint is required for the http adapter")
		}
	default:
		return fmt.Errorf("config.mint.adapter must be 'memory' or 'http', got %q", c.Mint.Adapter)
	}
	if c.Mint.MaxAttempts < 1 {
		return fmt.Errorf("config.mint.max_attempts must be at least 1")
	}
	if c.Mint.BaseDelay <= 0 || c.Mint.MaxDelay < c.Mint.BaseDelay {
		return fmt.Errorf("config.mint.base_delay must be positive and not exceed max_delay")
	}
	if c.Mint.Concurrency < 1 || c.Mint.BatchSize < 1 {
		return fmt.Errorf("config.mint.concurrency and batch_size must be at least 1")
	}
	if c.Storage.BusyTimeout < 0 {
		return fmt.Errorf("config.storage.busy_timeout must not be negative")
	}
	for i, origin := range c.Server.CORSOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("config.server.cors_origins[%d] is empty", i)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "hellafresh.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// Load reads the workspace config, falling back to defaults when the file is
// absent, then applies environment overrides and validates.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		data = nil
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses raw YAML on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields that have a HELLAFRESH_* variable set.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func decode(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

const defaultTemplate = `review:
  # Distinct reviewer decisions required before a word resolves.
  quorum: 3
  # wait: an even split stays under review until the window shifts.
  # reject: an even split rejects the word.
  tie_policy: wait

mint:
  adapter: memory
  endpoint: ""
  token: ""
  timeout: 10s
  max_attempts: 5
  base_delay: 1s
  max_delay: 5m
  exhausted_cooldown: 1h
  processing_lease: 2m
  poll_interval: 2s
  batch_size: 20
  concurrency: 4

server:
  addr: 127.0.0.1:8000
  base_path: /v1
  jwt_secret: ""
  # Browser origins allowed to call the API (the web frontend dev servers).
  cors_origins:
    - http://localhost:5173
    - http://localhost:3000

storage:
  # How long a writer waits on the database lock before failing.
  busy_timeout: 10s

webhooks: []
`
