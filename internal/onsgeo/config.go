//nolint:tagliatelle // superior snake-case yo.
package onsgeo

import (
	"fmt"
	"net/http"
	"time"
)

// MaxPageSize is the largest resultRecordCount the geoportal honours for
// the LSOA boundary layer.
const MaxPageSize = 50

// DefaultRetryStatusCodes are the statuses treated as transient.
var DefaultRetryStatusCodes = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Config holds fetch client configuration.
// Endpoint, CountEndpoint and UserAgent come from the settings and secrets
// files; the rest is read from the http section of the application config.
type Config struct {
	Endpoint         string        `yaml:"-"`
	CountEndpoint    string        `yaml:"-"`
	UserAgent        string        `yaml:"-"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`    // Per-attempt HTTP timeout
	MaxAttempts      int           `yaml:"max_attempts"`       // Total attempts including the first
	BackoffFactor    time.Duration `yaml:"backoff_factor"`     // Wait before the first retry, doubled per retry
	BackoffMax       time.Duration `yaml:"backoff_max"`        // Upper bound for a single wait
	RetryStatusCodes []int         `yaml:"retry_status_codes"` // Statuses that trigger a retry
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	// Set defaults
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}

	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}

	if c.BackoffFactor == 0 {
		c.BackoffFactor = 1 * time.Second
	}

	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}

	if len(c.RetryStatusCodes) == 0 {
		c.RetryStatusCodes = append([]int(nil), DefaultRetryStatusCodes...)
	}

	// Validate ranges
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	if c.CountEndpoint == "" {
		return fmt.Errorf("count endpoint is required")
	}

	if c.UserAgent == "" {
		return fmt.Errorf("user agent is required")
	}

	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", c.RequestTimeout)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}

	if c.BackoffFactor < 0 || c.BackoffMax < 0 {
		return fmt.Errorf("backoff_factor and backoff_max must be positive")
	}

	if c.BackoffMax < c.BackoffFactor {
		return fmt.Errorf(
			"backoff_max (%v) must not be lower than backoff_factor (%v)",
			c.BackoffMax, c.BackoffFactor,
		)
	}

	for _, code := range c.RetryStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("invalid retry status code: %d", code)
		}
	}

	return nil
}

// HTTPClient creates the underlying HTTP client with configured timeout.
func (c *Config) HTTPClient() *http.Client {
	return &http.Client{
		Timeout: c.RequestTimeout,
	}
}
