package httpapi

import (
	"errors"
	"net/http"
)

var errNoMetrics = errors.New("metrics are disabled")

// handlePerfLatency reports the rolling per-stage latencies of the mock
// providers.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusNotFound, "metrics_disabled", errNoMetrics.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

// handlePerfReset clears the window between load runs.
func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusNotFound, "metrics_disabled", errNoMetrics.Error())
		return
	}
	s.metrics.ResetStages()
	w.WriteHeader(http.StatusNoContent)
}
