package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/chainlink/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	newRun := func() *model.Run {
		r := &model.Run{
			ID: model.NewID(), Status: model.StatusPending,
			Pipeline: []byte(`{"stages":[]}`), StageCount: 1,
			CreatedAt: time.Now().UTC(),
		}
		if err := srv.store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		return r
	}

	for range 3 {
		r := newRun()
		for _, status := range []string{model.StatusPrefetching, model.StatusRunning} {
			if err := srv.store.UpdateRunStatus(ctx, r.ID, status); err != nil {
				t.Fatalf("UpdateRunStatus(%s): %v", status, err)
			}
		}
		if err := srv.store.InsertStageResult(ctx, &model.StageRecord{
			RunID: r.ID, Name: "stage-1", Image: "alpine", Success: true, CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("InsertStageResult: %v", err)
		}
		if err := srv.store.FinishRun(ctx, r.ID, model.StatusSucceeded, ""); err != nil {
			t.Fatalf("FinishRun: %v", err)
		}
	}

	// One run that never got past prefetch.
	r := newRun()
	if err := srv.store.FinishRun(ctx, r.ID, model.StatusError, "image unavailable: nope"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus[model.StatusSucceeded] != 3 {
		t.Errorf("by_status[succeeded] = %d, want 3", stats.ByStatus[model.StatusSucceeded])
	}
	if stats.ByStatus[model.StatusError] != 1 {
		t.Errorf("by_status[error] = %d, want 1", stats.ByStatus[model.StatusError])
	}
	if stats.StagesRun != 3 {
		t.Errorf("stages_run = %d, want 3", stats.StagesRun)
	}
	if stats.StagesKilled != 0 {
		t.Errorf("stages_killed = %d, want 0", stats.StagesKilled)
	}
}
