//nolint:tagliatelle // superior snake-case yo.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/lsoa-ingest/internal/ingest"
	"github.com/ethpandaops/lsoa-ingest/internal/lock"
	"github.com/ethpandaops/lsoa-ingest/internal/onsgeo"
	"github.com/ethpandaops/lsoa-ingest/internal/redis"
)

// Default locations of the settings and secrets files.
const (
	DefaultSettingsPath = "lib/01_ingest_lsoa_shapes.toml"
	DefaultSecretsPath  = ".secrets.toml"
)

// Config represents the complete application configuration.
type Config struct {
	LogLevel     string        `yaml:"log_level"`
	SettingsPath string        `yaml:"settings_path"` // TOML file with the geoportal endpoints
	SecretsPath  string        `yaml:"secrets_path"`  // TOML file with the user agent
	Ingest       ingest.Config `yaml:"ingest"`
	HTTP         onsgeo.Config `yaml:"http"`
	Redis        redis.Config  `yaml:"redis"`
	Lock         lock.Config   `yaml:"lock"`
	Metrics      MetricsConfig `yaml:"metrics"`
}

// MetricsConfig contains the optional metrics server settings.
type MetricsConfig struct {
	ListenAddr      string        `yaml:"listen_addr"` // Empty disables the server
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Enabled reports whether the metrics server should run.
func (c *MetricsConfig) Enabled() bool {
	return c.ListenAddr != ""
}

// Validate validates and sets defaults for MetricsConfig.
func (c *MetricsConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	return nil
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// LoadSettings reads the settings and secrets files named by the config
// and copies the endpoints and user agent into the HTTP section.
func (c *Config) LoadSettings() error {
	if c.SettingsPath == "" {
		c.SettingsPath = DefaultSettingsPath
	}

	if c.SecretsPath == "" {
		c.SecretsPath = DefaultSecretsPath
	}

	settings, err := LoadSettings(c.SettingsPath)
	if err != nil {
		return err
	}

	secrets, err := LoadSecrets(c.SecretsPath)
	if err != nil {
		return err
	}

	c.Apply(settings, secrets)

	return nil
}

// Apply copies settings and secrets into the HTTP section.
func (c *Config) Apply(settings *Settings, secrets *Secrets) {
	if settings != nil {
		c.HTTP.Endpoint = settings.ONSGeo.LSOAEndpoint
		c.HTTP.CountEndpoint = settings.ONSGeo.LSOARecordCount
	}

	if secrets != nil {
		c.HTTP.UserAgent = secrets.Remotes.UserAgent
	}
}

// Validate validates the configuration and sets defaults.
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	// The run lock lives in Redis
	if c.Redis.Enabled() {
		if err := c.Lock.Validate(); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	return nil
}
