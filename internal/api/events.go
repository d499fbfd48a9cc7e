package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/async/internal/engine"
	"github.com/seantiz/async/internal/store"
)

const eventStreamContentType = "text/event-stream"

// handleStreamEvents streams a job's transitions as server-sent events until
// the job reaches a terminal state or the client disconnects.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading the job so a transition between the read and
	// the subscription cannot be missed.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", eventStreamContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	apiEventStreams.Inc()
	defer apiEventStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	// The current state is always the first event.
	current := engine.Event{
		JobID:   j.ID,
		Kind:    j.Kind,
		State:   j.State,
		Attempt: j.AttemptCount,
		Owner:   j.LeaseOwner,
		Error:   j.LastError,
		At:      j.UpdatedAt,
	}
	if err := writeSSEEvent(w, string(current.State), current); err != nil {
		return
	}
	if j.State.Terminal() {
		_ = writeSSEDone(w)
		if canFlush {
			flusher.Flush()
		}
		return
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEDone(w)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEEvent(w, string(ev.State), ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEEvent writes a named SSE event whose data is ev as JSON.
func writeSSEEvent(w http.ResponseWriter, name string, ev engine.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// writeSSEDone writes the terminating "done" event.
func writeSSEDone(w http.ResponseWriter) error {
	_, err := fmt.Fprint(w, "event: done\ndata: stream complete\n\n")
	return err
}

