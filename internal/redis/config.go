//nolint:tagliatelle // superior snake-case yo.
package redis

import (
	"fmt"
	"time"
)

// Config holds Redis client configuration. Redis is optional: an empty
// Address disables it.
type Config struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"` //nolint:gosec // Config field, not a hardcoded secret.
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	ManifestTTL  time.Duration `yaml:"manifest_ttl"` // TTL for stored manifests (0 = no expiration)
	KeyPrefix    string        `yaml:"key_prefix"`   // Prepended to every key, e.g. "staging:"
}

// Enabled reports whether a Redis address is configured.
func (c *Config) Enabled() bool {
	return c.Address != ""
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}

	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}

	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}

	if c.PoolSize == 0 {
		c.PoolSize = 4
	}

	if c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("redis timeouts must be positive")
	}

	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}

	if c.DB < 0 {
		return fmt.Errorf("db must not be negative, got %d", c.DB)
	}

	return nil
}
