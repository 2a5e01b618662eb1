package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// WriteSettingsFiles writes a settings and a secrets TOML file into dir and
// returns their paths.
func WriteSettingsFiles(t *testing.T, dir, endpoint, countEndpoint, userAgent string) (string, string) {
	t.Helper()

	settingsPath := filepath.Join(dir, "settings.toml")
	secretsPath := filepath.Join(dir, ".secrets.toml")

	settings := fmt.Sprintf("[ONS_GEO]\nLSOA_ENDPOINT = %q\nLSOA_RECORD_COUNT = %q\n", endpoint, countEndpoint)
	secrets := fmt.Sprintf("[REMOTES]\nUSER_AGENT = %q\n", userAgent)

	if err := os.WriteFile(settingsPath, []byte(settings), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	if err := os.WriteFile(secretsPath, []byte(secrets), 0o600); err != nil {
		t.Fatalf("write secrets: %v", err)
	}

	return settingsPath, secretsPath
}
