// Package metrics exposes ingestion progress as Prometheus metrics.
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethpandaops/lsoa-ingest/internal/ingest"
)

const namespace = "lsoa_ingest"

// Run results used for the runs_total label.
const (
	ResultFetched  = "fetched"
	ResultCached   = "cached"
	ResultMismatch = "mismatch"
	ResultFailed   = "failed"
)

// Compile-time interface compliance check.
var _ ingest.Observer = (*Metrics)(nil)

// Metrics records ingestion events. It implements ingest.Observer.
type Metrics struct {
	pagesFetched   prometheus.Counter
	recordsFetched prometheus.Counter
	bytesFetched   prometheus.Counter
	cacheHits      prometheus.Counter
	runs           *prometheus.CounterVec
	runDuration    prometheus.Histogram
	persistedBytes prometheus.Gauge
	httpRetries    *prometheus.CounterVec
}

// New creates the ingestion metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Total number of pages fetched from the geoportal",
		}),
		recordsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Total number of records in reconciled tables",
		}),
		bytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_bytes_total",
			Help:      "Total size of fetched page bodies in bytes",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of runs satisfied by an existing artifact",
		}),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of ingestion runs by result",
			},
			[]string{"result"},
		),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of failed and persisted ingestion runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		persistedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifact_bytes",
			Help:      "Size of the last written artifact in bytes",
		}),
		httpRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_retries_total",
				Help:      "Total number of retried geoportal requests",
			},
			[]string{"host"},
		),
	}

	collectors := []prometheus.Collector{
		m.pagesFetched,
		m.recordsFetched,
		m.bytesFetched,
		m.cacheHits,
		m.runs,
		m.runDuration,
		m.persistedBytes,
		m.httpRetries,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) CacheHit(_ ingest.CacheHitEvent) {
	m.cacheHits.Inc()
	m.runs.WithLabelValues(ResultCached).Inc()
}

func (m *Metrics) PageFetched(event ingest.PageEvent) {
	m.pagesFetched.Inc()
	m.bytesFetched.Add(float64(event.Bytes))
}

func (m *Metrics) Reconciled(event ingest.ReconciledEvent) {
	m.recordsFetched.Add(float64(event.Rows))
}

func (m *Metrics) Persisted(event ingest.PersistedEvent) {
	m.runs.WithLabelValues(ResultFetched).Inc()
	m.persistedBytes.Set(float64(event.Bytes))
	m.runDuration.Observe(event.RunDuration.Seconds())
}

func (m *Metrics) Failed(event ingest.FailedEvent) {
	var mismatch *ingest.RecordCountMismatchError
	if errors.As(event.Err, &mismatch) {
		m.runs.WithLabelValues(ResultMismatch).Inc()
	} else {
		m.runs.WithLabelValues(ResultFailed).Inc()
	}

	m.runDuration.Observe(event.Duration.Seconds())
}

// RetryHook returns a callback suitable for onsgeo.WithRetryHook.
func (m *Metrics) RetryHook() func(req *http.Request, attempt int) {
	return func(req *http.Request, _ int) {
		host := "unknown"
		if req != nil && req.URL != nil {
			host = req.URL.Host
		}

		m.httpRetries.WithLabelValues(host).Inc()
	}
}
