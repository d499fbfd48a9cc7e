package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/async/internal/model"
	"github.com/seantiz/async/internal/store"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[statsResponse](t, resp)
	if body.Total != 0 {
		t.Errorf("total = %d, want 0", body.Total)
	}
	if body.Workers != 4 {
		t.Errorf("workers = %d, want 4", body.Workers)
	}
	for _, st := range model.States {
		if n, ok := body.ByState[st]; !ok || n != 0 {
			t.Errorf("by_state[%s] = %d (present %v), want 0", st, n, ok)
		}
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv, s := newTestServerWithStore(t)
	ctx := context.Background()

	done, _ := s.Submit(ctx, model.Envelope{Kind: "ok"}, store.SubmitOptions{})
	s.Submit(ctx, model.Envelope{Kind: "ok"}, store.SubmitOptions{})
	s.Submit(ctx, model.Envelope{Kind: "fail"}, store.SubmitOptions{})

	// The store stamps not_before with its own clock at submission.
	now := time.Now()
	if now.Before(done.NotBefore) {
		now = done.NotBefore
	}
	if _, ok, err := s.TryLease(ctx, done.ID, "w", time.Minute, now); !ok || err != nil {
		t.Fatalf("TryLease: %v %v", ok, err)
	}
	if _, err := s.Complete(ctx, done.ID, "w", store.Success(), now); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	body := decode[statsResponse](t, resp)
	if body.Total != 3 {
		t.Errorf("total = %d, want 3", body.Total)
	}
	if body.ByState[model.StateDone] != 1 || body.ByState[model.StatePending] != 2 {
		t.Errorf("by_state = %v, want done:1 pending:2", body.ByState)
	}
	if body.ByKind["ok"] != 2 || body.ByKind["fail"] != 1 {
		t.Errorf("by_kind = %v, want ok:2 fail:1", body.ByKind)
	}
	if body.AvgAttempts != 1 {
		t.Errorf("avg_attempts = %v, want 1", body.AvgAttempts)
	}
}
