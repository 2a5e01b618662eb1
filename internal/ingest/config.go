//nolint:tagliatelle // superior snake-case yo.
package ingest

import (
	"fmt"

	"github.com/ethpandaops/lsoa-ingest/internal/onsgeo"
)

// DefaultCachePath is where the artifact lands when no path is configured.
const DefaultCachePath = "data/lsoa_2011.geojson"

// Config holds ingestion driver configuration.
type Config struct {
	CachePath   string `yaml:"cache_path"`   // GeoJSON artifact location
	PageSize    int    `yaml:"page_size"`    // Records requested per page
	VerifyCache bool   `yaml:"verify_cache"` // Check an existing artifact against its manifest
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	// Set defaults
	if c.CachePath == "" {
		c.CachePath = DefaultCachePath
	}

	if c.PageSize == 0 {
		c.PageSize = onsgeo.MaxPageSize
	}

	// Validate ranges
	if c.PageSize < 1 || c.PageSize > onsgeo.MaxPageSize {
		return fmt.Errorf("page_size must be between 1 and %d, got %d", onsgeo.MaxPageSize, c.PageSize)
	}

	return nil
}
