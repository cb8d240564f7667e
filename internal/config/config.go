// ABOUTME: Configuration loading and parsing for inbox-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultAPIURL is the WhatsApp Cloud API base URL used when whatsapp.api_url is unset.
const DefaultAPIURL = "https://graph.facebook.com/v22.0"

// Config represents the complete inbox-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp" toml:"whatsapp"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	NATS      NATSConfig      `yaml:"nats" toml:"nats"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration.
// With Funnel enabled the webhook is reachable from the public internet.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// WhatsAppConfig holds the messaging channel credentials and behaviour flags
type WhatsAppConfig struct {
	APIURL            string `yaml:"api_url" toml:"api_url"`
	PhoneNumberID     string `yaml:"phone_number_id" toml:"phone_number_id"`
	BusinessAccountID string `yaml:"business_account_id" toml:"business_account_id"`
	AccessToken       string `yaml:"access_token" toml:"access_token"`
	VerifyToken       string `yaml:"verify_token" toml:"verify_token"`
	AppSecret         string `yaml:"app_secret" toml:"app_secret"`

	// StatusFallback enables the degraded status correlation mode: status
	// updates for unknown provider ids are applied to the latest outbound
	// message that was recorded without a provider id.
	StatusFallback bool `yaml:"status_fallback" toml:"status_fallback"`

	SendTimeout    time.Duration `yaml:"-" toml:"-"`
	SendTimeoutRaw string        `yaml:"send_timeout" toml:"send_timeout"`
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// NATSConfig holds the optional change-notification publisher configuration
type NATSConfig struct {
	URL     string `yaml:"url" toml:"url"`
	Subject string `yaml:"subject" toml:"subject"`
}

// DedupeConfig sizes the in-memory inbound dedupe cache
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	TTLRaw     string        `yaml:"ttl" toml:"ttl"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ConfigurationError reports a required configuration key that is missing.
// It names the key only; values are never included.
type ConfigurationError struct {
	Key string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s is required", e.Key)
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the working directory is loaded first (existing
// environment variables win). Environment variables in the format ${VAR_NAME}
// are expanded. Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills optional fields that have sensible defaults.
func (c *Config) applyDefaults() {
	if c.WhatsApp.APIURL == "" {
		c.WhatsApp.APIURL = DefaultAPIURL
	}
	if c.WhatsApp.SendTimeout == 0 {
		c.WhatsApp.SendTimeout = 15 * time.Second
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 7 * 24 * time.Hour
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 24 * time.Hour
	}
	if c.Dedupe.MaxEntries <= 0 {
		c.Dedupe.MaxEntries = 50_000
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		c.NATS.Subject = "inbox.updates"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return &ConfigurationError{Key: "database.path"}
	}

	if c.WhatsApp.VerifyToken == "" {
		return &ConfigurationError{Key: "whatsapp.verify_token"}
	}

	return nil
}

// ChannelReady reports whether the outbound channel credentials are present.
// The gateway still serves the webhook and read API without them; sends fail
// with a ConfigurationError.
func (c *WhatsAppConfig) ChannelReady() error {
	if c.PhoneNumberID == "" {
		return &ConfigurationError{Key: "whatsapp.phone_number_id"}
	}
	if c.AccessToken == "" {
		return &ConfigurationError{Key: "whatsapp.access_token"}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"whatsapp.send_timeout", cfg.WhatsApp.SendTimeoutRaw, &cfg.WhatsApp.SendTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
