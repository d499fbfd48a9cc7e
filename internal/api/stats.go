package api

import (
	"net/http"

	"github.com/seantiz/async/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total          int                 `json:"total"`
	ByState        map[model.State]int `json:"by_state"`
	ByKind         map[string]int      `json:"by_kind"`
	AvgAttempts    float64             `json:"avg_attempts"`
	Workers        int                 `json:"workers"`
	InFlight       int                 `json:"in_flight"`
	LeaseConflicts int64               `json:"lease_conflicts"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:          stats.Total,
		ByState:        stats.CountByState,
		ByKind:         stats.CountByKind,
		AvgAttempts:    stats.AvgAttempts,
		Workers:        s.engine.Concurrency(),
		InFlight:       s.engine.InFlight(),
		LeaseConflicts: s.engine.LeaseConflicts(),
	})
}
