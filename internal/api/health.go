package api

import (
	"net/http"
)

type healthResponse struct {
	Status     string `json:"status"`
	ActiveJobs int    `json:"active_jobs"`
	InFlight   int    `json:"in_flight"`
}

// handleHealthz reports ok when the job store answers a query.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.CountActive(r.Context())
	if err != nil {
		s.logger.Error("health check", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		ActiveJobs: active,
		InFlight:   s.engine.InFlight(),
	})
}
