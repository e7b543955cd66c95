// ABOUTME: Configuration loading and parsing for taproot
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taproot configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Workers  WorkersConfig  `yaml:"workers"`
	Model    ModelConfig    `yaml:"model"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig holds job queue tuning parameters
type QueueConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	RetryBackoff       time.Duration `yaml:"-"`
	LeaseDuration      time.Duration `yaml:"-"`
	PollInterval       time.Duration `yaml:"-"`
	CompletedRetention time.Duration `yaml:"-"`
	FailedRetention    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RetryBackoffRaw       string `yaml:"retry_backoff"`
	LeaseDurationRaw      string `yaml:"lease_duration"`
	PollIntervalRaw       string `yaml:"poll_interval"`
	CompletedRetentionRaw string `yaml:"completed_retention"`
	FailedRetentionRaw    string `yaml:"failed_retention"`
}

// WorkersConfig holds turn worker pool configuration
type WorkersConfig struct {
	Count        int `yaml:"count"`
	HistoryLimit int `yaml:"history_limit"`
}

// ModelConfig holds model provider configuration
type ModelConfig struct {
	// Provider selects the model backend. Only "canned" ships today; the
	// field exists so a real backend slots in without a config migration.
	Provider        string        `yaml:"provider"`
	DefaultModel    string        `yaml:"default_model"`
	Timeout         time.Duration `yaml:"-"`
	FallbackEnabled bool          `yaml:"fallback_enabled"`

	TimeoutRaw string `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when a value is absent from the config file.
const (
	DefaultMaxAttempts        = 3
	DefaultRetryBackoff       = time.Second
	DefaultLeaseDuration      = 2 * time.Minute
	DefaultPollInterval       = 250 * time.Millisecond
	DefaultCompletedRetention = 24 * time.Hour
	DefaultFailedRetention    = 7 * 24 * time.Hour
	DefaultWorkerCount        = 2
	DefaultHistoryLimit       = 50
	DefaultModelTimeout       = 60 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued tuning parameters.
func (c *Config) applyDefaults() {
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = DefaultMaxAttempts
	}
	if c.Queue.RetryBackoff == 0 {
		c.Queue.RetryBackoff = DefaultRetryBackoff
	}
	if c.Queue.LeaseDuration == 0 {
		c.Queue.LeaseDuration = DefaultLeaseDuration
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = DefaultPollInterval
	}
	if c.Queue.CompletedRetention == 0 {
		c.Queue.CompletedRetention = DefaultCompletedRetention
	}
	if c.Queue.FailedRetention == 0 {
		c.Queue.FailedRetention = DefaultFailedRetention
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = DefaultWorkerCount
	}
	if c.Workers.HistoryLimit == 0 {
		c.Workers.HistoryLimit = DefaultHistoryLimit
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = DefaultModelTimeout
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "canned"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}

	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}

	if c.Model.Provider != "canned" {
		return fmt.Errorf("model.provider %q is not supported", c.Model.Provider)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Queue.RetryBackoffRaw, "queue.retry_backoff", &cfg.Queue.RetryBackoff},
		{cfg.Queue.LeaseDurationRaw, "queue.lease_duration", &cfg.Queue.LeaseDuration},
		{cfg.Queue.PollIntervalRaw, "queue.poll_interval", &cfg.Queue.PollInterval},
		{cfg.Queue.CompletedRetentionRaw, "queue.completed_retention", &cfg.Queue.CompletedRetention},
		{cfg.Queue.FailedRetentionRaw, "queue.failed_retention", &cfg.Queue.FailedRetention},
		{cfg.Model.TimeoutRaw, "model.timeout", &cfg.Model.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
