package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ethpandaops/lsoa-ingest/internal/cache"
	"github.com/ethpandaops/lsoa-ingest/internal/ingest/mocks"
	"github.com/ethpandaops/lsoa-ingest/internal/lock"
	"github.com/ethpandaops/lsoa-ingest/internal/onsgeo"
	"github.com/ethpandaops/lsoa-ingest/internal/redis"
	"github.com/ethpandaops/lsoa-ingest/internal/testutil"
)

// pageBody builds a GeoJSON page holding rows codes numbered from first.
func pageBody(first, rows int, more bool) []byte {
	var buf bytes.Buffer

	buf.WriteString(`{"type":"FeatureCollection","features":[`)

	for i := 0; i < rows; i++ {
		if i > 0 {
			buf.WriteString(",")
		}

		n := first + i
		fmt.Fprintf(&buf,
			`{"type":"Feature","geometry":{"type":"Point","coordinates":[%d,51]},"properties":{"LSOA11CD":"E%08d"}}`,
			n, n,
		)
	}

	buf.WriteString(`]`)

	if more {
		buf.WriteString(`,"properties":{"exceededTransferLimit":true}`)
	}

	buf.WriteString(`}`)

	return buf.Bytes()
}

func testPage(offset, size, rows int, more bool) *onsgeo.Page {
	return &onsgeo.Page{
		Offset:                offset,
		Size:                  size,
		Body:                  pageBody(offset, rows, more),
		ExceededTransferLimit: more,
	}
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()

	store, err := cache.NewStore(
		testutil.NewTestLogger(),
		filepath.Join(t.TempDir(), "lsoa.geojson"),
		cache.NewFileManifestStore(),
	)
	require.NoError(t, err)

	return store
}

// recordingObserver keeps every event it sees.
type recordingObserver struct {
	mu         sync.Mutex
	cacheHits  []CacheHitEvent
	pages      []PageEvent
	reconciled []ReconciledEvent
	persisted  []PersistedEvent
	failed     []FailedEvent
}

func (r *recordingObserver) CacheHit(e CacheHitEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cacheHits = append(r.cacheHits, e)
}

func (r *recordingObserver) PageFetched(e PageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pages = append(r.pages, e)
}

func (r *recordingObserver) Reconciled(e ReconciledEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reconciled = append(r.reconciled, e)
}

func (r *recordingObserver) Persisted(e PersistedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.persisted = append(r.persisted, e)
}

func (r *recordingObserver) Failed(e FailedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failed = append(r.failed, e)
}

func TestDriver_Run_Paginates(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	const pageSize = 10

	fetcher := mocks.NewMockPageFetcher(ctrl)
	store := newTestStore(t)
	observer := &recordingObserver{}

	fetcher.EXPECT().FetchTotalCount(gomock.Any()).Return(34, nil).Times(1)

	gomock.InOrder(
		fetcher.EXPECT().FetchPage(gomock.Any(), 0, pageSize).Return(testPage(0, pageSize, 10, true), nil),
		fetcher.EXPECT().FetchPage(gomock.Any(), 10, pageSize).Return(testPage(10, pageSize, 10, true), nil),
		fetcher.EXPECT().FetchPage(gomock.Any(), 20, pageSize).Return(testPage(20, pageSize, 10, true), nil),
		fetcher.EXPECT().FetchPage(gomock.Any(), 30, pageSize).Return(testPage(30, pageSize, 4, false), nil),
	)

	driver, err := New(
		testutil.NewTestLogger(),
		Config{CachePath: store.Path(), PageSize: pageSize},
		fetcher,
		store,
		WithObserver(observer),
	)
	require.NoError(t, err)

	result, err := driver.Run(testutil.NewTestContext(t))
	require.NoError(t, err)

	assert.False(t, result.FromCache)
	assert.Equal(t, 4, result.Pages)
	assert.Equal(t, 34, result.Expected)
	assert.Equal(t, 34, result.Table.Len())
	require.NotNil(t, result.Manifest)
	assert.Equal(t, 34, result.Manifest.Rows)
	assert.Equal(t, result.RunID, result.Manifest.RunID)

	// Rows keep page order.
	codes := result.Table.Column("LSOA11CD")
	for i, code := range codes {
		assert.Equal(t, fmt.Sprintf("E%08d", i), code)
	}

	// The artifact holds the same rows.
	loaded, err := store.Load(testutil.NewTestContext(t))
	require.NoError(t, err)
	assert.Equal(t, codes, loaded.Column("LSOA11CD"))

	require.Len(t, observer.pages, 4)

	for i, page := range observer.pages {
		assert.Equal(t, i+1, page.Page)
		assert.Equal(t, i*pageSize, page.Offset)
		assert.Equal(t, (i+1)*pageSize, page.NextOffset)
		assert.Equal(t, i < 3, page.More)
	}

	require.Len(t, observer.reconciled, 1)
	assert.Equal(t, 34, observer.reconciled[0].Rows)
	require.Len(t, observer.persisted, 1)
	assert.GreaterOrEqual(t, observer.persisted[0].RunDuration, observer.persisted[0].Duration,
		"run duration covers the save step and everything before it")
	assert.LessOrEqual(t, observer.persisted[0].RunDuration, result.Duration)
	assert.Empty(t, observer.failed)
}

func TestDriver_Run_CacheShortCircuit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No expectations: any network call fails the test.
	fetcher := mocks.NewMockPageFetcher(ctrl)
	store := newTestStore(t)
	observer := &recordingObserver{}

	original := []byte(`{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[0,51]},"properties":{"LSOA11CD":"E01000001"}}]}`)
	require.NoError(t, os.WriteFile(store.Path(), original, 0o600))

	driver, err := New(
		testutil.NewTestLogger(),
		Config{CachePath: store.Path()},
		fetcher,
		store,
		WithObserver(observer),
	)
	require.NoError(t, err)

	result, err := driver.Run(testutil.NewTestContext(t))
	require.NoError(t, err)

	assert.True(t, result.FromCache)
	assert.Equal(t, 0, result.Pages)
	assert.Nil(t, result.Manifest)
	assert.Equal(t, []interface{}{"E01000001"}, result.Table.Column("LSOA11CD"))

	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, original, after, "cache artifact must be left untouched")

	require.Len(t, observer.cacheHits, 1)
	assert.Equal(t, 1, observer.cacheHits[0].Rows)
}

func TestDriver_Run_Failures(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(f *mocks.MockPageFetcher)
		checkErr    func(t *testing.T, err error)
		expectPages int
	}{
		{
			name: "record count mismatch",
			setup: func(f *mocks.MockPageFetcher) {
				f.EXPECT().FetchTotalCount(gomock.Any()).Return(1000, nil)

				for offset := 0; offset < 1000; offset += 50 {
					rows, more := 50, true
					if offset == 950 {
						rows, more = 48, false
					}

					f.EXPECT().FetchPage(gomock.Any(), offset, 50).Return(testPage(offset, 50, rows, more), nil)
				}
			},
			checkErr: func(t *testing.T, err error) {
				t.Helper()

				var mismatch *RecordCountMismatchError
				require.ErrorAs(t, err, &mismatch)
				assert.Equal(t, 1000, mismatch.Expected)
				assert.Equal(t, 998, mismatch.Actual)
			},
			expectPages: 20,
		},
		{
			name: "server never clears continuation",
			setup: func(f *mocks.MockPageFetcher) {
				f.EXPECT().FetchTotalCount(gomock.Any()).Return(100, nil)
				f.EXPECT().FetchPage(gomock.Any(), gomock.Any(), 50).DoAndReturn(
					func(_ any, offset, size int) (*onsgeo.Page, error) {
						return testPage(offset, size, 50, true), nil
					},
				).Times(3)
			},
			checkErr: func(t *testing.T, err error) {
				t.Helper()

				assert.ErrorIs(t, err, ErrPageLimitExceeded)

				var mismatch *RecordCountMismatchError
				require.ErrorAs(t, err, &mismatch)
				assert.Equal(t, 100, mismatch.Expected)
				assert.Equal(t, 150, mismatch.Actual)
			},
			expectPages: 3,
		},
		{
			name: "malformed page aborts",
			setup: func(f *mocks.MockPageFetcher) {
				f.EXPECT().FetchTotalCount(gomock.Any()).Return(50, nil)
				f.EXPECT().FetchPage(gomock.Any(), 0, 50).Return(&onsgeo.Page{
					Offset: 0,
					Size:   50,
					Body:   []byte(`{"type":"FeatureCollection","features":[{"type":"Feat`),
				}, nil)
			},
			checkErr: func(t *testing.T, err error) {
				t.Helper()

				assert.ErrorContains(t, err, "page at offset 0")
			},
			expectPages: 1,
		},
		{
			name: "empty page aborts",
			setup: func(f *mocks.MockPageFetcher) {
				f.EXPECT().FetchTotalCount(gomock.Any()).Return(0, nil)
				f.EXPECT().FetchPage(gomock.Any(), 0, 50).Return(&onsgeo.Page{Offset: 0, Size: 50}, nil)
			},
			checkErr: func(t *testing.T, err error) {
				t.Helper()

				assert.ErrorContains(t, err, "empty document")
			},
			expectPages: 1,
		},
		{
			name: "count endpoint failure",
			setup: func(f *mocks.MockPageFetcher) {
				f.EXPECT().FetchTotalCount(gomock.Any()).Return(0, &onsgeo.ResponseStatusError{StatusCode: 502})
			},
			checkErr: func(t *testing.T, err error) {
				t.Helper()

				var statusErr *onsgeo.ResponseStatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, 502, statusErr.StatusCode)
			},
		},
		{
			name: "page fetch failure",
			setup: func(f *mocks.MockPageFetcher) {
				f.EXPECT().FetchTotalCount(gomock.Any()).Return(100, nil)
				f.EXPECT().FetchPage(gomock.Any(), 0, 50).Return(testPage(0, 50, 50, true), nil)
				f.EXPECT().FetchPage(gomock.Any(), 50, 50).Return(nil, &onsgeo.ResponseFormatError{Reason: "html"})
			},
			checkErr: func(t *testing.T, err error) {
				t.Helper()

				var formatErr *onsgeo.ResponseFormatError
				require.ErrorAs(t, err, &formatErr)
				assert.ErrorContains(t, err, "offset 50")
			},
			expectPages: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			fetcher := mocks.NewMockPageFetcher(ctrl)
			tt.setup(fetcher)

			store := newTestStore(t)
			observer := &recordingObserver{}

			driver, err := New(
				testutil.NewTestLogger(),
				Config{CachePath: store.Path(), PageSize: 50},
				fetcher,
				store,
				WithObserver(observer),
			)
			require.NoError(t, err)

			result, err := driver.Run(testutil.NewTestContext(t))
			require.Error(t, err)
			assert.Nil(t, result)
			tt.checkErr(t, err)

			assert.Len(t, observer.pages, tt.expectPages)
			require.Len(t, observer.failed, 1)
			assert.Empty(t, observer.persisted)

			exists, err := store.Exists()
			require.NoError(t, err)
			assert.False(t, exists, "no artifact may be written on failure")

			entries, err := os.ReadDir(filepath.Dir(store.Path()))
			require.NoError(t, err)
			assert.Empty(t, entries, "no temporary or manifest files may be left behind")
		})
	}
}

func TestDriver_Run_VerifyCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockPageFetcher(ctrl)
	store := newTestStore(t)
	ctx := testutil.NewTestContext(t)

	driver, err := New(
		testutil.NewTestLogger(),
		Config{CachePath: store.Path(), PageSize: 50, VerifyCache: true},
		fetcher,
		store,
	)
	require.NoError(t, err)

	// First run fetches and writes artifact and manifest.
	fetcher.EXPECT().FetchTotalCount(gomock.Any()).Return(3, nil)
	fetcher.EXPECT().FetchPage(gomock.Any(), 0, 50).Return(testPage(0, 50, 3, false), nil)

	first, err := driver.Run(ctx)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	// Second run trusts the verified artifact.
	second, err := driver.Run(ctx)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, 3, second.Table.Len())

	// Truncate the artifact: verification fails and the run fetches again.
	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(), data[:len(data)/2], 0o600))

	fetcher.EXPECT().FetchTotalCount(gomock.Any()).Return(3, nil)
	fetcher.EXPECT().FetchPage(gomock.Any(), 0, 50).Return(testPage(0, 50, 3, false), nil)

	third, err := driver.Run(ctx)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	require.NoError(t, store.Verify(ctx))
}

func TestDriver_Run_CorruptCacheWithoutVerification(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockPageFetcher(ctrl)
	store := newTestStore(t)

	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"type":"FeatureColl`), 0o600))

	driver, err := New(testutil.NewTestLogger(), Config{CachePath: store.Path()}, fetcher, store)
	require.NoError(t, err)

	_, err = driver.Run(testutil.NewTestContext(t))
	assert.ErrorContains(t, err, "load cache")
}

func TestDriver_Run_Locked(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mr := miniredis.RunT(t)
	ctx := testutil.NewTestContext(t)

	client := redis.NewClient(testutil.NewTestLogger(), redis.Config{
		Address:     mr.Addr(),
		DialTimeout: time.Second,
		PoolSize:    2,
	})
	require.NoError(t, client.Start(ctx))

	defer client.Stop() //nolint:errcheck // test.

	lockCfg := lock.Config{Key: "test:ingest", TTL: time.Minute}
	require.NoError(t, mr.Set(lockCfg.Key, "another-run"))

	fetcher := mocks.NewMockPageFetcher(ctrl)
	store := newTestStore(t)

	driver, err := New(
		testutil.NewTestLogger(),
		Config{CachePath: store.Path()},
		fetcher,
		store,
		WithLocker(lock.NewLocker(testutil.NewTestLogger(), lockCfg, client)),
	)
	require.NoError(t, err)

	_, err = driver.Run(ctx)
	require.ErrorIs(t, err, lock.ErrLocked)

	// Once the other run is gone, the lock is taken and released around the run.
	mr.Del(lockCfg.Key)

	fetcher.EXPECT().FetchTotalCount(gomock.Any()).Return(1, nil)
	fetcher.EXPECT().FetchPage(gomock.Any(), 0, 50).Return(testPage(0, 50, 1, false), nil)

	_, err = driver.Run(ctx)
	require.NoError(t, err)
	assert.False(t, mr.Exists(lockCfg.Key))
}

func TestNew_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockPageFetcher(ctrl)
	store := newTestStore(t)

	_, err := New(testutil.NewTestLogger(), Config{PageSize: 51}, fetcher, store)
	assert.ErrorContains(t, err, "page_size")

	_, err = New(testutil.NewTestLogger(), Config{}, nil, store)
	assert.ErrorContains(t, err, "fetcher cannot be nil")

	_, err = New(testutil.NewTestLogger(), Config{}, fetcher, nil)
	assert.ErrorContains(t, err, "store cannot be nil")
}

// fakeGeoportal serves pages of rows from total records, pageSize at a time.
type fakeGeoportal struct {
	total       int
	reported    int
	contentType string
	failFirst   int32
	pageHits    atomic.Int32
	countHits   atomic.Int32
	offsets     []int
	mu          sync.Mutex
}

func (g *fakeGeoportal) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		if g.pageHits.Add(1) <= g.failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		offset, _ := strconv.Atoi(r.URL.Query().Get("resultOffset"))
		size, _ := strconv.Atoi(r.URL.Query().Get("resultRecordCount"))

		g.mu.Lock()
		g.offsets = append(g.offsets, offset)
		g.mu.Unlock()

		rows := min(size, max(g.total-offset, 0))
		more := offset+rows < g.total

		w.Header().Set("Content-Type", g.contentType)
		w.Write(pageBody(offset, rows, more)) //nolint:errcheck // test.
	})

	mux.HandleFunc("/count", func(w http.ResponseWriter, r *http.Request) {
		g.countHits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, `{"count":%d}`, g.reported)
	})

	return mux
}

func runAgainst(t *testing.T, g *fakeGeoportal, cachePath string) (*Result, error) {
	t.Helper()

	server := httptest.NewServer(g.handler())
	defer server.Close()

	svc, err := onsgeo.New(onsgeo.Config{
		Endpoint:       server.URL + "/query?where=1%3D1&outFields=*&f=geojson",
		CountEndpoint:  server.URL + "/count",
		UserAgent:      "lsoa-ingest-test",
		RequestTimeout: 5 * time.Second,
		BackoffFactor:  time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}, testutil.NewTestLogger())
	require.NoError(t, err)

	store, err := cache.NewStore(testutil.NewTestLogger(), cachePath, cache.NewFileManifestStore())
	require.NoError(t, err)

	driver, err := New(
		testutil.NewTestLogger(),
		Config{CachePath: cachePath, PageSize: 50},
		svc,
		store,
		WithObserver(NewLogObserver(testutil.NewTestLogger())),
	)
	require.NoError(t, err)

	return driver.Run(testutil.NewTestContext(t))
}

func TestDriver_EndToEnd(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "out", "lsoa.geojson")

	g := &fakeGeoportal{
		total:       123,
		reported:    123,
		contentType: "application/geo+json",
		failFirst:   2,
	}

	result, err := runAgainst(t, g, cachePath)
	require.NoError(t, err)

	assert.Equal(t, 123, result.Table.Len())
	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, []int{0, 50, 100}, g.offsets)
	assert.Equal(t, int32(5), g.pageHits.Load(), "two transient failures plus three pages")

	// A second run against a fresh server makes no requests at all.
	again := &fakeGeoportal{total: 123, reported: 123, contentType: "application/geo+json"}

	cached, err := runAgainst(t, again, cachePath)
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, 123, cached.Table.Len())
	assert.Equal(t, int32(0), again.pageHits.Load())
	assert.Equal(t, int32(0), again.countHits.Load())
}

func TestDriver_EndToEnd_Failures(t *testing.T) {
	tests := []struct {
		name     string
		portal   *fakeGeoportal
		checkErr func(t *testing.T, err error)
	}{
		{
			name:   "html instead of json",
			portal: &fakeGeoportal{total: 10, reported: 10, contentType: "text/html"},
			checkErr: func(t *testing.T, err error) {
				t.Helper()

				var formatErr *onsgeo.ResponseFormatError
				assert.ErrorAs(t, err, &formatErr)
			},
		},
		{
			name:   "persistent 503",
			portal: &fakeGeoportal{total: 10, reported: 10, contentType: "application/json", failFirst: 4},
			checkErr: func(t *testing.T, err error) {
				t.Helper()

				var statusErr *onsgeo.ResponseStatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
			},
		},
		{
			name:   "server reports more records than it serves",
			portal: &fakeGeoportal{total: 998, reported: 1000, contentType: "application/json"},
			checkErr: func(t *testing.T, err error) {
				t.Helper()

				var mismatch *RecordCountMismatchError
				require.ErrorAs(t, err, &mismatch)
				assert.Equal(t, 998, mismatch.Actual)
			},
		},
		{
			name:   "server serves more records than it reports",
			portal: &fakeGeoportal{total: 60, reported: 40, contentType: "application/json"},
			checkErr: func(t *testing.T, err error) {
				t.Helper()

				var mismatch *RecordCountMismatchError
				require.ErrorAs(t, err, &mismatch)
				assert.Equal(t, 40, mismatch.Expected)
				assert.Equal(t, 50, mismatch.Actual)
				assert.ErrorIs(t, err, ErrPageLimitExceeded)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cachePath := filepath.Join(t.TempDir(), "lsoa.geojson")

			_, err := runAgainst(t, tt.portal, cachePath)
			require.Error(t, err)
			tt.checkErr(t, err)

			_, statErr := os.Stat(cachePath)
			assert.True(t, errors.Is(statErr, os.ErrNotExist), "no artifact may be written on failure")
		})
	}
}
