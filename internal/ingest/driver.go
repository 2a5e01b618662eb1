// Package ingest drives a full LSOA boundary ingestion: cache check,
// pagination, reconciliation against the authoritative count and
// persistence of the combined table.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/lsoa-ingest/internal/cache"
	"github.com/ethpandaops/lsoa-ingest/internal/features"
	"github.com/ethpandaops/lsoa-ingest/internal/lock"
	"github.com/ethpandaops/lsoa-ingest/internal/onsgeo"
)

const lockReleaseTimeout = 5 * time.Second

// Driver runs ingestions. It is safe to reuse for sequential runs.
type Driver struct {
	cfg      Config
	log      logrus.FieldLogger
	fetcher  PageFetcher
	store    ArtifactStore
	locker   lock.Locker
	observer Observer
}

// Option customises a Driver.
type Option func(*Driver)

// WithLocker guards each run with l.
func WithLocker(l lock.Locker) Option {
	return func(d *Driver) {
		d.locker = l
	}
}

// WithObserver sends progress events to o.
func WithObserver(o Observer) Option {
	return func(d *Driver) {
		if o != nil {
			d.observer = o
		}
	}
}

// New creates a new ingestion driver. The config is copied.
func New(
	log logrus.FieldLogger,
	cfg Config,
	fetcher PageFetcher,
	store ArtifactStore,
	opts ...Option,
) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}

	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	d := &Driver{
		cfg:      cfg,
		log:      log.WithField("component", "ingest"),
		fetcher:  fetcher,
		store:    store,
		observer: NopObserver{},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Run performs one ingestion. When the artifact already exists it is
// loaded and returned without any network call. Otherwise every page is
// fetched, the combined table is checked against the authoritative count
// and written. No artifact is written when any step fails.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	var (
		runID = uuid.New().String()
		start = time.Now()
		log   = d.log.WithField("run_id", runID)
	)

	if d.locker != nil {
		if err := d.locker.Acquire(ctx); err != nil {
			d.observer.Failed(FailedEvent{RunID: runID, Err: err, Duration: time.Since(start)})

			return nil, err
		}

		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			defer cancel()

			if err := d.locker.Release(releaseCtx); err != nil {
				log.WithError(err).Warn("Failed to release ingestion lock")
			}
		}()
	}

	result, err := d.run(ctx, log, runID, start)
	if err != nil {
		d.observer.Failed(FailedEvent{RunID: runID, Err: err, Duration: time.Since(start)})

		return nil, err
	}

	result.Duration = time.Since(start)

	return result, nil
}

func (d *Driver) run(
	ctx context.Context,
	log logrus.FieldLogger,
	runID string,
	start time.Time,
) (*Result, error) {
	cached, err := d.loadCached(ctx, log)
	if err != nil {
		return nil, err
	}

	if cached != nil {
		d.observer.CacheHit(CacheHitEvent{
			RunID: runID,
			Path:  d.store.Path(),
			Rows:  cached.Len(),
		})

		return &Result{
			RunID:     runID,
			Path:      d.store.Path(),
			Table:     cached,
			FromCache: true,
		}, nil
	}

	pages, expected, err := d.paginate(ctx, runID)
	if err != nil {
		return nil, err
	}

	table, err := reconcile(pages, expected)
	if err != nil {
		return nil, err
	}

	d.observer.Reconciled(ReconciledEvent{
		RunID: runID,
		Pages: len(pages),
		Rows:  table.Len(),
	})

	persistStart := time.Now()

	manifest, err := d.store.Save(ctx, table, runID)
	if err != nil {
		return nil, fmt.Errorf("persist artifact: %w", err)
	}

	d.observer.Persisted(PersistedEvent{
		RunID:       runID,
		Path:        d.store.Path(),
		Rows:        manifest.Rows,
		Bytes:       manifest.Bytes,
		Duration:    time.Since(persistStart),
		RunDuration: time.Since(start),
	})

	return &Result{
		RunID:    runID,
		Path:     d.store.Path(),
		Table:    table,
		Pages:    len(pages),
		Expected: expected,
		Manifest: manifest,
	}, nil
}

// loadCached returns the existing artifact, or nil when it has to be
// fetched. With VerifyCache set, an artifact whose manifest is missing or
// does not match is fetched again.
func (d *Driver) loadCached(ctx context.Context, log logrus.FieldLogger) (*features.Table, error) {
	exists, err := d.store.Exists()
	if err != nil {
		return nil, fmt.Errorf("check cache: %w", err)
	}

	if !exists {
		return nil, nil
	}

	if d.cfg.VerifyCache {
		if err := d.store.Verify(ctx); err != nil {
			if errors.Is(err, cache.ErrManifestMissing) || errors.Is(err, cache.ErrManifestMismatch) {
				log.WithError(err).WithField("path", d.store.Path()).Warn(
					"Cache artifact failed verification, fetching again",
				)

				return nil, nil
			}

			return nil, fmt.Errorf("verify cache: %w", err)
		}
	}

	table, err := d.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}

	return table, nil
}

// paginate fetches pages until the server stops signalling more. The
// authoritative count bounds the number of pages.
func (d *Driver) paginate(ctx context.Context, runID string) ([]*onsgeo.Page, int, error) {
	expected, err := d.fetcher.FetchTotalCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch record count: %w", err)
	}

	var (
		pageSize = d.cfg.PageSize
		maxPages = expected/pageSize + 1
		pages    = make([]*onsgeo.Page, 0, maxPages)
		offset   = 0
	)

	for {
		if len(pages) >= maxPages {
			return nil, 0, pageLimitMismatch(pages, expected)
		}

		page, err := d.fetcher.FetchPage(ctx, offset, pageSize)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}

		pages = append(pages, page)
		offset += pageSize

		d.observer.PageFetched(PageEvent{
			RunID:      runID,
			Page:       len(pages),
			Offset:     page.Offset,
			Bytes:      len(page.Body),
			More:       page.ExceededTransferLimit,
			NextOffset: offset,
		})

		if !page.ExceededTransferLimit {
			break
		}
	}

	return pages, expected, nil
}

// pageLimitMismatch reports a server that is still signalling more records
// once the page ceiling is reached. At that point more rows than expected
// have been served, so the run is a count mismatch.
func pageLimitMismatch(pages []*onsgeo.Page, expected int) error {
	rows := 0

	for _, page := range pages {
		table, err := features.ParsePage(page.Body)
		if err != nil {
			return fmt.Errorf("page at offset %d: %w", page.Offset, err)
		}

		rows += table.Len()
	}

	return &RecordCountMismatchError{
		Expected: expected,
		Actual:   rows,
		Err: fmt.Errorf(
			"%w: server still signalling more records after %d pages",
			ErrPageLimitExceeded, len(pages),
		),
	}
}

// reconcile parses and concatenates pages in order and checks the row
// count against expected.
func reconcile(pages []*onsgeo.Page, expected int) (*features.Table, error) {
	tables := make([]*features.Table, 0, len(pages))

	for _, page := range pages {
		table, err := features.ParsePage(page.Body)
		if err != nil {
			return nil, fmt.Errorf("page at offset %d: %w", page.Offset, err)
		}

		tables = append(tables, table)
	}

	combined := features.Concat(tables...)

	if combined.Len() != expected {
		return nil, &RecordCountMismatchError{
			Expected: expected,
			Actual:   combined.Len(),
		}
	}

	return combined, nil
}
