package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/chainlink/internal/model"
)

// readSSEEvents reads named events until the done event or the body ends.
func readSSEEvents(t *testing.T, resp *http.Response) (names []string, lastData string) {
	t.Helper()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			lastData = strings.TrimPrefix(line, "data: ")
			if len(names) > 0 && names[len(names)-1] == "done" {
				return names, lastData
			}
		}
	}
	return names, lastData
}

func TestStreamEventsLiveRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := submitRun(t, ts.URL, `{"pipeline": {"stages": [
		{"image": "alpine", "entrypoint": ["sleep", "0.5"]},
		{"image": "alpine", "entrypoint": ["echo", "hi"]}
	]}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/runs/"+run.ID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	names, last := readSSEEvents(t, resp)
	if len(names) == 0 || names[len(names)-1] != "done" {
		t.Fatalf("events = %v, want trailing done", names)
	}
	if last != model.StatusSucceeded {
		t.Errorf("done data = %q, want %q", last, model.StatusSucceeded)
	}
	var finished int
	for _, n := range names {
		if n == model.EventStageFinished {
			finished++
		}
	}
	if finished == 0 {
		t.Errorf("no %s events in %v", model.EventStageFinished, names)
	}
}

func TestStreamEventsFinishedRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := submitRun(t, ts.URL, `{"pipeline": {"stages": [{"image": "alpine", "entrypoint": ["exit", "2"]}]}}`)
	waitForRun(t, ts.URL, run.ID, model.StatusFailed)

	resp, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	names, last := readSSEEvents(t, resp)
	if len(names) != 1 || names[0] != "done" || last != model.StatusFailed {
		t.Errorf("events = %v (%q), want a single done failed", names, last)
	}
}

func TestStreamEventsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
