// ABOUTME: Configuration loading and parsing for linkd
// ABOUTME: Supports YAML and TOML files with env expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete linkd configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Linking   LinkingConfig   `yaml:"linking" toml:"linking"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// PublicHost overrides the request Host when rendering claim URLs, for
	// deployments behind a proxy that rewrites Host
	PublicHost string `yaml:"public_host" toml:"public_host"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve TLS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)

	// Surfaced inside composition auth claims so composed members can join
	// the deployment's tailnet
	CoordinationURL string `yaml:"coordination_url" toml:"coordination_url"`
	PreauthKey      string `yaml:"preauth_key" toml:"preauth_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LinkingConfig holds session lifecycle timing configuration
type LinkingConfig struct {
	SessionTTL      time.Duration `yaml:"-" toml:"-"`
	MinPollInterval time.Duration `yaml:"-" toml:"-"`
	GCInterval      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for file unmarshaling
	SessionTTLRaw      string `yaml:"session_ttl" toml:"session_ttl"`
	MinPollIntervalRaw string `yaml:"min_poll_interval" toml:"min_poll_interval"`
	GCIntervalRaw      string `yaml:"gc_interval" toml:"gc_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults applied when the config file leaves timing fields unset.
const (
	DefaultSessionTTL      = 5 * time.Minute
	DefaultMinPollInterval = 2 * time.Second
	DefaultGCInterval      = time.Minute
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if filepath.Ext(path) == ".toml" {
		if err := toml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

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
	// The HTTP address is required unless Tailscale is the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Linking.SessionTTLRaw != "" {
		cfg.Linking.SessionTTL, err = time.ParseDuration(cfg.Linking.SessionTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing session_ttl %q: %w", cfg.Linking.SessionTTLRaw, err)
		}
	}

	if cfg.Linking.MinPollIntervalRaw != "" {
		cfg.Linking.MinPollInterval, err = time.ParseDuration(cfg.Linking.MinPollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing min_poll_interval %q: %w", cfg.Linking.MinPollIntervalRaw, err)
		}
	}

	if cfg.Linking.GCIntervalRaw != "" {
		cfg.Linking.GCInterval, err = time.ParseDuration(cfg.Linking.GCIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing gc_interval %q: %w", cfg.Linking.GCIntervalRaw, err)
		}
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Linking.SessionTTL == 0 {
		cfg.Linking.SessionTTL = DefaultSessionTTL
	}
	if cfg.Linking.MinPollInterval == 0 {
		cfg.Linking.MinPollInterval = DefaultMinPollInterval
	}
	if cfg.Linking.GCInterval == 0 {
		cfg.Linking.GCInterval = DefaultGCInterval
	}
}
