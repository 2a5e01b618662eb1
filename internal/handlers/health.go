//nolint:tagliatelle // superior snake-case yo.
package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/lsoa-ingest/internal/ingest"
	"github.com/ethpandaops/lsoa-ingest/internal/version"
)

// Run phases reported by the health endpoint.
const (
	PhaseRunning   = "running"
	PhaseCached    = "cached"
	PhasePersisted = "persisted"
	PhaseFailed    = "failed"
)

// Compile-time interface compliance check.
var _ ingest.Observer = (*RunStatus)(nil)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Run     RunReport `json:"run"`
}

// RunReport describes the progress of the current ingestion run.
type RunReport struct {
	RunID     string    `json:"run_id,omitempty"`
	Phase     string    `json:"phase"`
	Pages     int       `json:"pages"`
	Rows      int       `json:"rows"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatus tracks run progress from driver events.
type RunStatus struct {
	mu     sync.RWMutex
	report RunReport
}

// NewRunStatus creates a tracker in the running phase.
func NewRunStatus() *RunStatus {
	return &RunStatus{
		report: RunReport{Phase: PhaseRunning, UpdatedAt: time.Now()},
	}
}

// Report returns a copy of the current report.
func (s *RunStatus) Report() RunReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.report
}

func (s *RunStatus) update(fn func(r *RunReport)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.report)
	s.report.UpdatedAt = time.Now()
}

func (s *RunStatus) CacheHit(event ingest.CacheHitEvent) {
	s.update(func(r *RunReport) {
		r.RunID = event.RunID
		r.Phase = PhaseCached
		r.Rows = event.Rows
	})
}

func (s *RunStatus) PageFetched(event ingest.PageEvent) {
	s.update(func(r *RunReport) {
		r.RunID = event.RunID
		r.Pages = event.Page
	})
}

func (s *RunStatus) Reconciled(event ingest.ReconciledEvent) {
	s.update(func(r *RunReport) {
		r.Rows = event.Rows
	})
}

func (s *RunStatus) Persisted(event ingest.PersistedEvent) {
	s.update(func(r *RunReport) {
		r.Phase = PhasePersisted
		r.Rows = event.Rows
	})
}

func (s *RunStatus) Failed(event ingest.FailedEvent) {
	s.update(func(r *RunReport) {
		r.RunID = event.RunID
		r.Phase = PhaseFailed

		if event.Err != nil {
			r.Error = event.Err.Error()
		}
	})
}

// Health returns an HTTP handler for health check endpoint. The process is
// healthy until its run fails.
func Health(status *RunStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := status.Report()

		response := HealthResponse{
			Status:  "healthy",
			Version: version.Short(),
			Run:     report,
		}

		code := http.StatusOK
		if report.Phase == PhaseFailed {
			response.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		if err := json.NewEncoder(w).Encode(response); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)

			return
		}
	}
}
