package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/chainlink/internal/model"
)

// storeFactory opens an empty store for one test.
type storeFactory func(t *testing.T) Store

func makeTestRun() *model.Run {
	return &model.Run{
		ID:         model.NewID(),
		Status:     model.StatusPending,
		Pipeline:   json.RawMessage(`{"stages":[{"image":"alpine"}]}`),
		StageCount: 1,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func makeStageRecord(runID string, index int, killed bool) *model.StageRecord {
	return &model.StageRecord{
		RunID:       runID,
		Index:       index,
		Name:        "stage",
		Image:       "alpine",
		ContainerID: "c0ffee",
		ExitCode:    0,
		Killed:      killed,
		Success:     !killed,
		Stdout:      "out\n",
		Stderr:      "err\n",
		DurationMS:  42,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

// runStoreSuite exercises the Store contract against one implementation.
func runStoreSuite(t *testing.T, open storeFactory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		r := makeTestRun()

		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		got, err := s.GetRun(ctx, r.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.ID != r.ID {
			t.Errorf("ID = %q, want %q", got.ID, r.ID)
		}
		if got.Status != model.StatusPending {
			t.Errorf("Status = %q, want %q", got.Status, model.StatusPending)
		}
		if got.StageCount != 1 {
			t.Errorf("StageCount = %d, want 1", got.StageCount)
		}
		var pipeline map[string]any
		if err := json.Unmarshal(got.Pipeline, &pipeline); err != nil {
			t.Errorf("Pipeline is not JSON: %v (%s)", err, got.Pipeline)
		}
		if got.StartedAt != nil || got.FinishedAt != nil {
			t.Errorf("timestamps set on a pending run: %v %v", got.StartedAt, got.FinishedAt)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := open(t)
		if _, err := s.GetRun(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetRun error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListPagination", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		var ids []string
		for i := 0; i < 5; i++ {
			r := makeTestRun()
			r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
			if err := s.CreateRun(ctx, r); err != nil {
				t.Fatalf("CreateRun[%d]: %v", i, err)
			}
			ids = append(ids, r.ID)
		}

		runs, total, err := s.ListRuns(ctx, 2, 0)
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if total != 5 {
			t.Errorf("total = %d, want 5", total)
		}
		if len(runs) != 2 {
			t.Fatalf("len(runs) = %d, want 2", len(runs))
		}
		if runs[0].ID != ids[4] {
			t.Errorf("first run = %q, want newest %q", runs[0].ID, ids[4])
		}

		runs, _, err = s.ListRuns(ctx, 2, 4)
		if err != nil {
			t.Fatalf("ListRuns page 3: %v", err)
		}
		if len(runs) != 1 || runs[0].ID != ids[0] {
			t.Errorf("last page = %v, want only %q", runs, ids[0])
		}
	})

	t.Run("ListEmpty", func(t *testing.T) {
		s := open(t)
		runs, total, err := s.ListRuns(context.Background(), 10, 0)
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if total != 0 || len(runs) != 0 {
			t.Errorf("ListRuns = %d runs, total %d, want empty", len(runs), total)
		}
	})

	t.Run("Lifecycle", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		r := makeTestRun()
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}

		if err := s.UpdateRunStatus(ctx, r.ID, model.StatusPrefetching); err != nil {
			t.Fatalf("-> prefetching: %v", err)
		}
		got, _ := s.GetRun(ctx, r.ID)
		if got.StartedAt == nil {
			t.Error("started_at not set on prefetching")
		}
		if err := s.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
			t.Fatalf("-> running: %v", err)
		}
		if err := s.FinishRun(ctx, r.ID, model.StatusFailed, "stage 1 exited 3"); err != nil {
			t.Fatalf("FinishRun: %v", err)
		}

		got, err := s.GetRun(ctx, r.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status != model.StatusFailed {
			t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
		}
		if got.Error != "stage 1 exited 3" {
			t.Errorf("Error = %q", got.Error)
		}
		if got.FinishedAt == nil || got.DurationMS == nil {
			t.Errorf("finished_at/duration not set: %v %v", got.FinishedAt, got.DurationMS)
		}
	})

	t.Run("InvalidTransitions", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		r := makeTestRun()
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}

		if err := s.UpdateRunStatus(ctx, r.ID, model.StatusRunning); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("pending -> running error = %v, want ErrInvalidTransition", err)
		}
		if err := s.UpdateRunStatus(ctx, r.ID, model.StatusSucceeded); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("UpdateRunStatus(terminal) error = %v, want ErrInvalidTransition", err)
		}
		if err := s.FinishRun(ctx, r.ID, model.StatusRunning, ""); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("FinishRun(non-terminal) error = %v, want ErrInvalidTransition", err)
		}
		if err := s.FinishRun(ctx, r.ID, model.StatusCancelled, "cancelled"); err != nil {
			t.Fatalf("pending -> cancelled: %v", err)
		}
		if err := s.FinishRun(ctx, r.ID, model.StatusError, ""); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("terminal -> error = %v, want ErrInvalidTransition", err)
		}

		got, _ := s.GetRun(ctx, r.ID)
		if got.DurationMS != nil {
			t.Errorf("duration set for a run that never started: %d", *got.DurationMS)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := s.UpdateRunStatus(ctx, "missing", model.StatusPrefetching); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateRunStatus error = %v, want ErrNotFound", err)
		}
		if err := s.FinishRun(ctx, "missing", model.StatusError, ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("FinishRun error = %v, want ErrNotFound", err)
		}
	})

	t.Run("StageResults", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		r := makeTestRun()
		other := makeTestRun()
		for _, run := range []*model.Run{r, other} {
			if err := s.CreateRun(ctx, run); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
		}

		for _, rec := range []*model.StageRecord{
			makeStageRecord(r.ID, 1, true),
			makeStageRecord(r.ID, 0, false),
			makeStageRecord(other.ID, 0, false),
		} {
			if err := s.InsertStageResult(ctx, rec); err != nil {
				t.Fatalf("InsertStageResult: %v", err)
			}
		}

		recs, err := s.ListStageResults(ctx, r.ID)
		if err != nil {
			t.Fatalf("ListStageResults: %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("len(recs) = %d, want 2", len(recs))
		}
		if recs[0].Index != 0 || recs[1].Index != 1 {
			t.Errorf("indexes = %d,%d, want 0,1", recs[0].Index, recs[1].Index)
		}
		if !recs[1].Killed || recs[1].Success {
			t.Errorf("stage 1 = %+v, want killed and unsuccessful", recs[1])
		}
		if recs[0].Stdout != "out\n" || recs[0].Stderr != "err\n" {
			t.Errorf("logs = %q/%q", recs[0].Stdout, recs[0].Stderr)
		}

		got, _ := s.GetRun(ctx, r.ID)
		if got.StagesRun != 2 {
			t.Errorf("StagesRun = %d, want 2", got.StagesRun)
		}

		if err := s.InsertStageResult(ctx, makeStageRecord("missing", 0, false)); !errors.Is(err, ErrNotFound) {
			t.Errorf("InsertStageResult(missing run) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			r := makeTestRun()
			if err := s.CreateRun(ctx, r); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			if i == 0 {
				continue
			}
			for _, st := range []string{model.StatusPrefetching, model.StatusRunning} {
				if err := s.UpdateRunStatus(ctx, r.ID, st); err != nil {
					t.Fatalf("UpdateRunStatus %s: %v", st, err)
				}
			}
			if err := s.InsertStageResult(ctx, makeStageRecord(r.ID, 0, i == 2)); err != nil {
				t.Fatalf("InsertStageResult: %v", err)
			}
			if err := s.FinishRun(ctx, r.ID, model.StatusSucceeded, ""); err != nil {
				t.Fatalf("FinishRun: %v", err)
			}
		}

		stats, err := s.GetRunStats(ctx)
		if err != nil {
			t.Fatalf("GetRunStats: %v", err)
		}
		if stats.Total != 3 {
			t.Errorf("Total = %d, want 3", stats.Total)
		}
		if stats.CountByStatus[model.StatusSucceeded] != 2 {
			t.Errorf("succeeded = %d, want 2", stats.CountByStatus[model.StatusSucceeded])
		}
		if stats.CountByStatus[model.StatusPending] != 1 {
			t.Errorf("pending = %d, want 1", stats.CountByStatus[model.StatusPending])
		}
		if stats.StagesRun != 2 || stats.StagesKilled != 1 {
			t.Errorf("stages run/killed = %d/%d, want 2/1", stats.StagesRun, stats.StagesKilled)
		}
		if stats.AvgDurationMS < 0 {
			t.Errorf("AvgDurationMS = %f, want >= 0", stats.AvgDurationMS)
		}
	})

	t.Run("StatsEmpty", func(t *testing.T) {
		s := open(t)
		stats, err := s.GetRunStats(context.Background())
		if err != nil {
			t.Fatalf("GetRunStats: %v", err)
		}
		if stats.Total != 0 || stats.AvgDurationMS != 0 || stats.StagesRun != 0 {
			t.Errorf("stats = %+v, want zero", stats)
		}
	})
}
