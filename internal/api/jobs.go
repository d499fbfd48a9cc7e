package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/async/internal/engine"
	"github.com/seantiz/async/internal/model"
	"github.com/seantiz/async/internal/retry"
	"github.com/seantiz/async/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	// maxDelayMS keeps delay_ms within a time.Duration and a storable time.
	maxDelayMS = int64(retry.MaxDelay / time.Millisecond)
)

// submitJobRequest is the JSON body for POST /v1/jobs.
type submitJobRequest struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	DelayMS     int64           `json:"delay_ms"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// purgeRequest is the JSON body for POST /v1/jobs/purge.
type purgeRequest struct {
	OlderThan string `json:"older_than"`
}

type purgeResponse struct {
	Deleted int       `json:"deleted"`
	Before  time.Time `json:"before"`
}

// decodeSubmit turns a request body into an envelope and submit options.
// The returned error message is safe to show to the client.
func decodeSubmit(r *http.Request) (model.Envelope, []engine.SubmitOption, error) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return model.Envelope{}, nil, errors.New("invalid JSON body")
	}

	switch {
	case req.Kind == "":
		return model.Envelope{}, nil, errors.New("kind is required")
	case req.MaxAttempts < 0:
		return model.Envelope{}, nil, errors.New("max_attempts must not be negative")
	case req.DelayMS < 0:
		return model.Envelope{}, nil, errors.New("delay_ms must not be negative")
	case req.DelayMS > maxDelayMS:
		return model.Envelope{}, nil, fmt.Errorf("delay_ms must not exceed %d", maxDelayMS)
	}

	env := model.Envelope{Kind: req.Kind}
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		env.Payload = req.Payload
	}
	var opts []engine.SubmitOption
	if req.MaxAttempts > 0 {
		opts = append(opts, engine.WithMaxAttempts(req.MaxAttempts))
	}
	if req.DelayMS > 0 {
		opts = append(opts, engine.WithDelay(time.Duration(req.DelayMS)*time.Millisecond))
	}
	return env, opts, nil
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	env, opts, err := decodeSubmit(r)
	if err != nil {
		apiSubmissionsTotal.WithLabelValues(submitInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.engine.Submit(r.Context(), env, opts...)
	switch {
	case errors.Is(err, store.ErrInvalidJob):
		apiSubmissionsTotal.WithLabelValues(submitInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrPoolExhausted), errors.Is(err, engine.ErrClosed):
		apiSubmissionsTotal.WithLabelValues(submitRejected).Inc()
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		apiSubmissionsTotal.WithLabelValues(submitFailed).Inc()
		s.logger.Error("submit job", "kind", env.Kind, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	apiSubmissionsTotal.WithLabelValues(submitAccepted).Inc()

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get submitted job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	state := model.State(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(string(state)))
		return
	}

	jobs, total, err := s.store.ListJobs(r.Context(), store.ListOptions{
		State:  state,
		Kind:   r.URL.Query().Get("kind"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handlePurgeJobs deletes done and dead jobs that finished more than
// older_than ago.
func (s *Server) handlePurgeJobs(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	age, err := time.ParseDuration(req.OlderThan)
	if err != nil || age < 0 {
		s.writeError(w, http.StatusBadRequest, "older_than must be a non-negative duration such as \"24h\"")
		return
	}

	before := s.now().Add(-age).UTC()
	n, err := s.store.PurgeFinished(r.Context(), before)
	if err != nil {
		s.logger.Error("purge jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to purge jobs")
		return
	}

	s.logger.Info("purged finished jobs", "deleted", n, "before", before)
	s.writeJSON(w, http.StatusOK, purgeResponse{Deleted: n, Before: before})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
