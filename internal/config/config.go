// ABOUTME: Configuration loading and parsing for muster
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete muster configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Rules    RulesConfig    `yaml:"rules"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// NATSConfig holds the optional cross-process event mirror configuration.
// When URL is empty events stay in-process only.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// BridgeConfig holds agent session bridge timing configuration
type BridgeConfig struct {
	SubmitDelay    time.Duration `yaml:"-"`
	PollInterval   time.Duration `yaml:"-"`
	DefaultTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SubmitDelayRaw    string `yaml:"submit_delay"`
	PollIntervalRaw   string `yaml:"poll_interval"`
	DefaultTimeoutRaw string `yaml:"default_timeout"`
}

// RecoveryConfig holds recovery monitor timing configuration
type RecoveryConfig struct {
	Interval         time.Duration `yaml:"-"`
	HeartbeatTimeout time.Duration `yaml:"-"`
	TaskTimeout      time.Duration `yaml:"-"`
	RequestTimeout   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IntervalRaw         string `yaml:"interval"`
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
	TaskTimeoutRaw      string `yaml:"task_timeout"`
	RequestTimeoutRaw   string `yaml:"request_timeout"`
}

// RulesConfig holds the approval rules file configuration
type RulesConfig struct {
	Path string `yaml:"path"`
	// Watch reloads the rules file on change.
	Watch bool `yaml:"watch"`
}

// LoggingConfig holds logging configuration. File rotation applies only
// when File is set; otherwise logs go to stderr.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Rules.Path == "" {
		return fmt.Errorf("rules.path is required")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Bridge.SubmitDelayRaw, &cfg.Bridge.SubmitDelay, "bridge.submit_delay"},
		{cfg.Bridge.PollIntervalRaw, &cfg.Bridge.PollInterval, "bridge.poll_interval"},
		{cfg.Bridge.DefaultTimeoutRaw, &cfg.Bridge.DefaultTimeout, "bridge.default_timeout"},
		{cfg.Recovery.IntervalRaw, &cfg.Recovery.Interval, "recovery.interval"},
		{cfg.Recovery.HeartbeatTimeoutRaw, &cfg.Recovery.HeartbeatTimeout, "recovery.heartbeat_timeout"},
		{cfg.Recovery.TaskTimeoutRaw, &cfg.Recovery.TaskTimeout, "recovery.task_timeout"},
		{cfg.Recovery.RequestTimeoutRaw, &cfg.Recovery.RequestTimeout, "recovery.request_timeout"},
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
