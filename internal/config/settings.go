package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml"
)

// Settings is the shared project settings file.
type Settings struct {
	ONSGeo ONSGeoSettings `toml:"ONS_GEO"`
}

// ONSGeoSettings holds the geoportal endpoints.
type ONSGeoSettings struct {
	LSOAEndpoint    string `toml:"LSOA_ENDPOINT"`     // Paged GeoJSON query
	LSOARecordCount string `toml:"LSOA_RECORD_COUNT"` // returnCountOnly query
}

// Secrets is the untracked secrets file.
type Secrets struct {
	Remotes RemoteSecrets `toml:"REMOTES"`
}

// RemoteSecrets holds values sent to remote services.
type RemoteSecrets struct {
	UserAgent string `toml:"USER_AGENT"`
}

// LoadSettings parses the settings TOML file at path.
func LoadSettings(path string) (*Settings, error) {
	var settings Settings
	if err := loadTOML(path, &settings); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	if settings.ONSGeo.LSOAEndpoint == "" {
		return nil, fmt.Errorf("settings: ONS_GEO.LSOA_ENDPOINT is required in %s", path)
	}

	if settings.ONSGeo.LSOARecordCount == "" {
		return nil, fmt.Errorf("settings: ONS_GEO.LSOA_RECORD_COUNT is required in %s", path)
	}

	return &settings, nil
}

// LoadSecrets parses the secrets TOML file at path.
func LoadSecrets(path string) (*Secrets, error) {
	var secrets Secrets
	if err := loadTOML(path, &secrets); err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}

	if secrets.Remotes.UserAgent == "" {
		return nil, fmt.Errorf("secrets: REMOTES.USER_AGENT is required in %s", path)
	}

	return &secrets, nil
}

func loadTOML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return nil
}
