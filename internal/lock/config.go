//nolint:tagliatelle // superior snake-case yo.
package lock

import (
	"fmt"
	"time"
)

// Config holds run lock configuration.
type Config struct {
	Key string        `yaml:"key"`
	TTL time.Duration `yaml:"ttl"`
	// RenewInterval is how often a held lock's TTL is reset. Defaults to a
	// third of TTL.
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	if c.Key == "" {
		c.Key = "lsoa:ingest:lock"
	}

	if c.TTL == 0 {
		c.TTL = 30 * time.Minute
	}

	if c.TTL < time.Second {
		return fmt.Errorf("lock ttl must be at least 1 second, got %v", c.TTL)
	}

	if c.RenewInterval == 0 {
		c.RenewInterval = c.TTL / 3
	}

	if c.RenewInterval < 0 || c.RenewInterval >= c.TTL {
		return fmt.Errorf("lock renew_interval must be positive and below ttl %v, got %v", c.TTL, c.RenewInterval)
	}

	return nil
}
