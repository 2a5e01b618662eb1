package ingest

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Compile-time interface compliance checks.
var (
	_ Observer = Observers(nil)
	_ Observer = NopObserver{}
	_ Observer = (*LogObserver)(nil)
)

// CacheHitEvent is emitted when an existing artifact satisfies the run.
type CacheHitEvent struct {
	RunID string
	Path  string
	Rows  int
}

// PageEvent is emitted after every fetched page.
type PageEvent struct {
	RunID      string
	Page       int // 1-based page number within the run
	Offset     int
	Bytes      int
	More       bool // Server signalled more pages
	NextOffset int
}

// ReconciledEvent is emitted once the combined table matched the
// authoritative count.
type ReconciledEvent struct {
	RunID string
	Pages int
	Rows  int
}

// PersistedEvent is emitted after the artifact was written.
type PersistedEvent struct {
	RunID       string
	Path        string
	Rows        int
	Bytes       int64
	Duration    time.Duration // Save step only
	RunDuration time.Duration // Since the run started, lock wait included
}

// FailedEvent is emitted when a run aborts.
type FailedEvent struct {
	RunID    string
	Err      error
	Duration time.Duration
}

// Observer receives progress events from the driver. Implementations must
// not block.
type Observer interface {
	CacheHit(event CacheHitEvent)
	PageFetched(event PageEvent)
	Reconciled(event ReconciledEvent)
	Persisted(event PersistedEvent)
	Failed(event FailedEvent)
}

// Observers fans events out to every member in order.
type Observers []Observer

func (o Observers) CacheHit(event CacheHitEvent) {
	for _, obs := range o {
		obs.CacheHit(event)
	}
}

func (o Observers) PageFetched(event PageEvent) {
	for _, obs := range o {
		obs.PageFetched(event)
	}
}

func (o Observers) Reconciled(event ReconciledEvent) {
	for _, obs := range o {
		obs.Reconciled(event)
	}
}

func (o Observers) Persisted(event PersistedEvent) {
	for _, obs := range o {
		obs.Persisted(event)
	}
}

func (o Observers) Failed(event FailedEvent) {
	for _, obs := range o {
		obs.Failed(event)
	}
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) CacheHit(CacheHitEvent) {}
func (NopObserver) PageFetched(PageEvent) {}
func (NopObserver) Reconciled(ReconciledEvent) {}
func (NopObserver) Persisted(PersistedEvent) {}
func (NopObserver) Failed(FailedEvent) {}

// LogObserver reports progress through a logrus logger.
type LogObserver struct {
	log logrus.FieldLogger
}

// NewLogObserver creates a logging observer.
func NewLogObserver(log logrus.FieldLogger) *LogObserver {
	return &LogObserver{log: log.WithField("component", "ingest")}
}

func (l *LogObserver) CacheHit(event CacheHitEvent) {
	l.log.WithFields(logrus.Fields{
		"run_id": event.RunID,
		"path":   event.Path,
		"rows":   event.Rows,
	}).Info("Cache artifact present, skipping fetch")
}

func (l *LogObserver) PageFetched(event PageEvent) {
	l.log.WithFields(logrus.Fields{
		"run_id":      event.RunID,
		"page":        event.Page,
		"offset":      event.Offset,
		"bytes":       event.Bytes,
		"more":        event.More,
		"next_offset": event.NextOffset,
	}).Info("Fetched page")
}

func (l *LogObserver) Reconciled(event ReconciledEvent) {
	l.log.WithFields(logrus.Fields{
		"run_id": event.RunID,
		"pages":  event.Pages,
		"rows":   event.Rows,
	}).Info("Record count matches authoritative total")
}

func (l *LogObserver) Persisted(event PersistedEvent) {
	l.log.WithFields(logrus.Fields{
		"run_id":       event.RunID,
		"path":         event.Path,
		"rows":         event.Rows,
		"bytes":        event.Bytes,
		"duration":     event.Duration,
		"run_duration": event.RunDuration,
	}).Info("Wrote cache artifact")
}

func (l *LogObserver) Failed(event FailedEvent) {
	l.log.WithFields(logrus.Fields{
		"run_id":   event.RunID,
		"duration": event.Duration,
	}).WithError(event.Err).Error("Ingestion failed")
}
