package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/async/internal/model"
	"github.com/seantiz/async/internal/store"
)

// readEventNames reads SSE "event:" names until the stream ends.
func readEventNames(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestStreamEventsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/nonexistent/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsFinishedJob(t *testing.T) {
	srv, s := newTestServerWithStore(t)
	ctx := context.Background()
	j, _ := s.Submit(ctx, model.Envelope{Kind: "ok"}, store.SubmitOptions{})
	now := time.Now()
	if _, ok, err := s.TryLease(ctx, j.ID, "w", time.Minute, now); !ok || err != nil {
		t.Fatalf("TryLease: %v %v", ok, err)
	}
	if _, err := s.Complete(ctx, j.ID, "w", store.Success(), now); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/" + j.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	names := readEventNames(t, resp)
	if strings.Join(names, ",") != "done,done" {
		t.Errorf("events = %v, want [done done]", names)
	}
}

func TestStreamEventsFollowsJob(t *testing.T) {
	srv, s := newTestServerWithStore(t)
	ctx := context.Background()
	j, err := s.Submit(ctx, model.Envelope{Kind: "fail"}, store.SubmitOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/jobs/"+j.ID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// The stream is open and subscribed once headers arrive.
	startEngine(t, srv)

	done := make(chan []string, 1)
	go func() { done <- readEventNames(t, resp) }()

	select {
	case names := <-done:
		want := "pending,leased,pending,leased,dead,done"
		if strings.Join(names, ",") != want {
			t.Errorf("events = %v, want %s", names, want)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("event stream did not finish")
	}
}
