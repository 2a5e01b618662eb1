package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/lsoa-ingest/internal/handlers"
	"github.com/ethpandaops/lsoa-ingest/internal/ingest"
	"github.com/ethpandaops/lsoa-ingest/internal/metrics"
	"github.com/ethpandaops/lsoa-ingest/internal/testutil"
)

func TestServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := metrics.New(reg)
	require.NoError(t, err)

	status := handlers.NewRunStatus()

	var observer ingest.Observer = ingest.Observers{m, status}

	observer.PageFetched(ingest.PageEvent{RunID: "run", Page: 1, Bytes: 10, More: true})

	srv := New(testutil.NewTestLogger(), "127.0.0.1:0", reg, status)
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)

	go func() {
		done <- srv.Serve()
	}()

	base := "http://" + srv.Addr()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(base + "/health") //nolint:noctx // test.
		require.NoError(t, err)

		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body handlers.HealthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, 1, body.Run.Pages)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics") //nolint:noctx // test.
		require.NoError(t, err)

		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(data), "lsoa_ingest_pages_fetched_total 1")
	})

	t.Run("unknown route", func(t *testing.T) {
		resp, err := http.Get(base + "/api") //nolint:noctx // test.
		require.NoError(t, err)

		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	require.NoError(t, srv.Shutdown(testutil.NewTestContext(t)))
	require.NoError(t, <-done)
}

func TestRecovery(t *testing.T) {
	handler := recovery(testutil.NewTestLogger())(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLogging_CapturesStatus(t *testing.T) {
	handler := logging(testutil.NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
