package ingest

//go:generate mockgen -package mocks -destination mocks/mock_page_fetcher.go github.com/ethpandaops/lsoa-ingest/internal/ingest PageFetcher

import (
	"context"
	"time"

	"github.com/ethpandaops/lsoa-ingest/internal/cache"
	"github.com/ethpandaops/lsoa-ingest/internal/features"
	"github.com/ethpandaops/lsoa-ingest/internal/onsgeo"
)

// Compile-time interface compliance checks.
var (
	_ PageFetcher   = (*onsgeo.Service)(nil)
	_ ArtifactStore = (*cache.Store)(nil)
)

// PageFetcher is the geoportal client used by the driver.
type PageFetcher interface {
	FetchPage(ctx context.Context, offset, pageSize int) (*onsgeo.Page, error)
	FetchTotalCount(ctx context.Context) (int, error)
}

// ArtifactStore persists the combined feature table.
type ArtifactStore interface {
	Path() string
	Exists() (bool, error)
	Load(ctx context.Context) (*features.Table, error)
	Save(ctx context.Context, table *features.Table, runID string) (*cache.Manifest, error)
	Verify(ctx context.Context) error
}

// Result describes a finished run.
type Result struct {
	RunID     string
	Path      string
	Table     *features.Table
	FromCache bool
	Pages     int             // Pages fetched; zero on a cache hit
	Expected  int             // Authoritative count; zero on a cache hit
	Manifest  *cache.Manifest // Written manifest; nil on a cache hit
	Duration  time.Duration
}
