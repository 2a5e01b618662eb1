//nolint:tagliatelle // superior snake-case yo.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethpandaops/lsoa-ingest/internal/redis"
)

// Compile-time interface compliance checks.
var (
	_ ManifestStore = (*FileManifestStore)(nil)
	_ ManifestStore = (*RedisManifestStore)(nil)
)

var (
	// ErrManifestMissing is returned when no manifest exists for an artifact.
	ErrManifestMissing = errors.New("cache manifest missing")
	// ErrManifestMismatch is returned when an artifact does not match its manifest.
	ErrManifestMismatch = errors.New("cache artifact does not match manifest")
)

const (
	manifestSuffix      = ".manifest.json"
	redisManifestPrefix = "lsoa:manifest:"
	manifestFileMode    = 0o644
	manifestDirMode     = 0o755
)

// Manifest describes a persisted cache artifact.
type Manifest struct {
	Path      string    `json:"path"`
	Driver    string    `json:"driver"`
	Rows      int       `json:"rows"`
	Bytes     int64     `json:"bytes"`
	SHA256    string    `json:"sha256"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ManifestStore persists artifact manifests keyed by artifact path.
type ManifestStore interface {
	// GetManifest returns ErrManifestMissing when nothing is stored.
	GetManifest(ctx context.Context, path string) (*Manifest, error)
	PutManifest(ctx context.Context, m *Manifest) error
	// DeleteManifest removes the manifest for path. A missing manifest is
	// not an error.
	DeleteManifest(ctx context.Context, path string) error
}

// FileManifestStore keeps the manifest as a JSON sidecar next to the artifact.
type FileManifestStore struct{}

// NewFileManifestStore creates a sidecar manifest store.
func NewFileManifestStore() *FileManifestStore {
	return &FileManifestStore{}
}

// ManifestPath returns the sidecar path for an artifact.
func ManifestPath(artifactPath string) string {
	return artifactPath + manifestSuffix
}

// GetManifest reads the sidecar manifest.
func (s *FileManifestStore) GetManifest(_ context.Context, path string) (*Manifest, error) {
	data, err := os.ReadFile(ManifestPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrManifestMissing
		}

		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	return &m, nil
}

// PutManifest writes the sidecar manifest atomically.
func (s *FileManifestStore) PutManifest(_ context.Context, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	target := ManifestPath(m.Path)

	if err := os.MkdirAll(filepath.Dir(target), manifestDirMode); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}

	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename.

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("write manifest: %w", err)
	}

	if err := tmp.Chmod(manifestFileMode); err != nil {
		tmp.Close()

		return fmt.Errorf("chmod manifest: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}

	return nil
}

// DeleteManifest removes the sidecar manifest.
func (s *FileManifestStore) DeleteManifest(_ context.Context, path string) error {
	if err := os.Remove(ManifestPath(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove manifest: %w", err)
	}

	return nil
}

// RedisManifestStore keeps manifests in Redis so several hosts sharing an
// artifact volume agree on its state.
type RedisManifestStore struct {
	redis redis.Client
	ttl   time.Duration
}

// NewRedisManifestStore creates a Redis-backed manifest store.
// A zero ttl keeps manifests forever.
func NewRedisManifestStore(client redis.Client, ttl time.Duration) *RedisManifestStore {
	return &RedisManifestStore{
		redis: client,
		ttl:   ttl,
	}
}

// GetManifest reads the manifest for path from Redis.
func (s *RedisManifestStore) GetManifest(ctx context.Context, path string) (*Manifest, error) {
	data, err := s.redis.Get(ctx, redisManifestPrefix+path)
	if err != nil {
		if errors.Is(err, redis.ErrNotFound) {
			return nil, ErrManifestMissing
		}

		return nil, fmt.Errorf("get manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	return &m, nil
}

// PutManifest stores the manifest in Redis.
func (s *RedisManifestStore) PutManifest(ctx context.Context, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err := s.redis.Set(ctx, redisManifestPrefix+m.Path, string(data), s.ttl); err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}

	return nil
}

// DeleteManifest removes the manifest for path from Redis.
func (s *RedisManifestStore) DeleteManifest(ctx context.Context, path string) error {
	if err := s.redis.Del(ctx, redisManifestPrefix+path); err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}

	return nil
}
