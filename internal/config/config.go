package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models aft.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		TokenTTL               string `yaml:"token_ttl"`
	} `yaml:"auth"`
	Requests struct {
		NumberPrefix string `yaml:"number_prefix"`
	} `yaml:"requests"`
	Idempotency struct {
		Size int    `yaml:"size"`
		TTL  string `yaml:"ttl"`
	} `yaml:"idempotency"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

var prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// Load reads and validates aft.yml from the workspace, falling back to defaults when absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && c.Server.BasePath[0] != '/' {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if !prefixPattern.MatchString(c.Requests.NumberPrefix) {
		return fmt.Errorf("config.requests.number_prefix must be 2-10 uppercase letters or digits")
	}
	if _, err := time.ParseDuration(c.Auth.TokenTTL); err != nil {
		return fmt.Errorf("config.auth.token_ttl: %w", err)
	}
	if c.Idempotency.Size < 0 {
		return fmt.Errorf("config.idempotency.size must not be negative")
	}
	if _, err := time.ParseDuration(c.Idempotency.TTL); err != nil {
		return fmt.Errorf("config.idempotency.ttl: %w", err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("config.log.level: %w", err)
	}
	return nil
}

func (c *Config) TokenTTL() time.Duration {
	d, _ := time.ParseDuration(c.Auth.TokenTTL)
	return d
}

func (c *Config) IdempotencyTTL() time.Duration {
	d, _ := time.ParseDuration(c.Idempotency.TTL)
	return d
}

func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(c.Log.Level))
	return lvl
}

// SetupLogger builds the process logger from the log section and installs it as the slog default.
func SetupLogger(c *Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel()}
	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "aft.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the parsed default config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: ""

auth:
  # accept X-Actor-Id without a token; local development only
  allow_legacy_actor_header: false
  token_ttl: 12h

requests:
  number_prefix: AFT

idempotency:
  size: 1024
  ttl: 10m

log:
  level: info
  format: json
`
