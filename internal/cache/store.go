// Package cache persists the combined feature table as a GeoJSON artifact.
// The artifact's existence is what marks a completed ingestion.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/lsoa-ingest/internal/features"
)

const (
	artifactFileMode = 0o644
	artifactDirMode  = 0o755
)

// Store reads and writes one cache artifact.
type Store struct {
	path      string
	manifests ManifestStore
	log       logrus.FieldLogger
}

// NewStore creates a store for the artifact at path. manifests may be nil,
// in which case no manifest is written and Verify always reports
// ErrManifestMissing.
func NewStore(log logrus.FieldLogger, path string, manifests ManifestStore) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("cache path cannot be empty")
	}

	return &Store{
		path:      filepath.Clean(path),
		manifests: manifests,
		log:       log.WithField("component", "cache"),
	}, nil
}

// Path returns the artifact path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the artifact is present.
func (s *Store) Exists() (bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("stat %s: %w", s.path, err)
	}

	if info.IsDir() {
		return false, fmt.Errorf("cache path %s is a directory", s.path)
	}

	return true, nil
}

// Load decodes the artifact.
func (s *Store) Load(_ context.Context) (*features.Table, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	table, err := features.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.path, err)
	}

	s.log.WithField("rows", table.Len()).Debug("Loaded cache artifact")

	return table, nil
}

// Save writes the table to a temporary file in the artifact's directory,
// records its manifest and renames it into place. A failure at any step
// leaves no artifact behind.
func (s *Store) Save(ctx context.Context, table *features.Table, runID string) (*Manifest, error) {
	dir := filepath.Dir(s.path)

	if err := os.MkdirAll(dir, artifactDirMode); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temporary artifact: %w", err)
	}

	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename.

	var (
		hash    = sha256.New()
		counter = &countingWriter{}
	)

	if err := features.Encode(io.MultiWriter(tmp, hash, counter), table); err != nil {
		tmp.Close()

		return nil, err
	}

	if err := tmp.Chmod(artifactFileMode); err != nil {
		tmp.Close()

		return nil, fmt.Errorf("chmod temporary artifact: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return nil, fmt.Errorf("sync temporary artifact: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temporary artifact: %w", err)
	}

	manifest := &Manifest{
		Path:      s.path,
		Driver:    features.Driver,
		Rows:      table.Len(),
		Bytes:     counter.n,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	}

	// The manifest goes first so a visible artifact always has one.
	var previous *Manifest

	if s.manifests != nil {
		previous, err = s.manifests.GetManifest(ctx, s.path)
		if err != nil && !errors.Is(err, ErrManifestMissing) {
			return nil, fmt.Errorf("read previous manifest: %w", err)
		}

		if err := s.manifests.PutManifest(ctx, manifest); err != nil {
			return nil, err
		}
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		s.restoreManifest(ctx, previous)

		return nil, fmt.Errorf("rename artifact: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"path":  s.path,
		"rows":  manifest.Rows,
		"bytes": manifest.Bytes,
	}).Debug("Saved cache artifact")

	return manifest, nil
}

// restoreManifest puts back the manifest that described the artifact before
// a failed Save, or removes the new one when there was none.
func (s *Store) restoreManifest(ctx context.Context, previous *Manifest) {
	if s.manifests == nil {
		return
	}

	var err error

	if previous != nil {
		err = s.manifests.PutManifest(ctx, previous)
	} else {
		err = s.manifests.DeleteManifest(ctx, s.path)
	}

	if err != nil {
		s.log.WithError(err).WithField("path", s.path).Warn("Failed to roll back cache manifest")
	}
}

// Verify checks the artifact's size and checksum against its manifest.
func (s *Store) Verify(ctx context.Context) error {
	if s.manifests == nil {
		return ErrManifestMissing
	}

	manifest, err := s.manifests.GetManifest(ctx, s.path)
	if err != nil {
		return err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	hash := sha256.New()

	n, err := io.Copy(hash, f)
	if err != nil {
		return fmt.Errorf("hash %s: %w", s.path, err)
	}

	if n != manifest.Bytes {
		return fmt.Errorf("%w: size %d, manifest says %d", ErrManifestMismatch, n, manifest.Bytes)
	}

	if sum := hex.EncodeToString(hash.Sum(nil)); sum != manifest.SHA256 {
		return fmt.Errorf("%w: sha256 %s, manifest says %s", ErrManifestMismatch, sum, manifest.SHA256)
	}

	return nil
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))

	return len(p), nil
}
