package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/chainlink/internal/backend/fake"
	"github.com/seantiz/chainlink/internal/chain"
	"github.com/seantiz/chainlink/internal/engine"
	"github.com/seantiz/chainlink/internal/model"
	"github.com/seantiz/chainlink/internal/store"
)

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) types(runID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.RunID == runID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type testEnv struct {
	eng     *engine.Engine
	store   store.Store
	backend *fake.Backend
	pub     *recordingPublisher
}

func newTestEngine(t *testing.T, maxRuns int) testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b := fake.New()
	b.AddImage("alpine", fake.Image{Remote: true})

	pub := &recordingPublisher{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(b, s, engine.Options{
		Chain:             chain.Options{WorkDir: t.TempDir(), StopTimeout: time.Second},
		MaxConcurrentRuns: maxRuns,
		Publisher:         pub,
		Logger:            logger,
	})
	t.Cleanup(eng.Wait)
	return testEnv{eng: eng, store: s, backend: b, pub: pub}
}

func pipeline(stages ...chain.StageConfig) chain.PipelineConfig {
	return chain.PipelineConfig{Stages: stages}
}

func stage(argv ...string) chain.StageConfig {
	return chain.StageConfig{Image: "alpine", Entrypoint: argv}
}

// waitForStatus polls the store until the run reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := s.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.Status == expected {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	env := newTestEngine(t, 0)

	run, err := env.eng.Submit(context.Background(), pipeline(
		stage("write", "/job/x", "hello"),
		stage("cat", "/job/x"),
	), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.Status != model.StatusPending {
		t.Errorf("returned status = %q, want pending", run.Status)
	}
	if run.StageCount != 2 {
		t.Errorf("StageCount = %d, want 2", run.StageCount)
	}

	done := waitForStatus(t, env.store, run.ID, model.StatusSucceeded, 5*time.Second)
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Errorf("timestamps not set: started=%v finished=%v", done.StartedAt, done.FinishedAt)
	}
	if done.StagesRun != 2 {
		t.Errorf("StagesRun = %d, want 2", done.StagesRun)
	}

	recs, err := env.store.ListStageResults(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListStageResults: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	if recs[1].Stdout != "hello" {
		t.Errorf("stage 2 stdout = %q, want %q", recs[1].Stdout, "hello")
	}
}

func TestSubmitStageFailure(t *testing.T) {
	env := newTestEngine(t, 0)

	run, err := env.eng.Submit(context.Background(), pipeline(stage("exit", "3"), stage("true")), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitForStatus(t, env.store, run.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(done.Error, "exited with code 3") {
		t.Errorf("Error = %q, want exit code message", done.Error)
	}
	if done.StagesRun != 1 {
		t.Errorf("StagesRun = %d, want 1", done.StagesRun)
	}
}

func TestSubmitTimeout(t *testing.T) {
	env := newTestEngine(t, 0)

	s := stage("sleep", "30")
	one := 1
	s.TimeoutS = &one
	run, err := env.eng.Submit(context.Background(), pipeline(s), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitForStatus(t, env.store, run.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(done.Error, "timed out") {
		t.Errorf("Error = %q, want timeout message", done.Error)
	}

	recs, _ := env.store.ListStageResults(context.Background(), run.ID)
	if len(recs) != 1 || !recs[0].Killed {
		t.Errorf("stage results = %+v, want one killed stage", recs)
	}
}

func TestSubmitInvalidPipeline(t *testing.T) {
	env := newTestEngine(t, 0)

	_, err := env.eng.Submit(context.Background(), pipeline(chain.StageConfig{}), nil, nil)
	if !errors.Is(err, chain.ErrInvalidStageConfig) {
		t.Fatalf("Submit error = %v, want ErrInvalidStageConfig", err)
	}
	_, total, err := env.store.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 0 {
		t.Errorf("stored %d runs for an invalid pipeline", total)
	}
}

func TestSubmitRejectsMalformedEnv(t *testing.T) {
	env := newTestEngine(t, 0)

	_, err := env.eng.Submit(context.Background(), pipeline(stage("env")), map[string]string{"A=B": "v"}, nil)
	if !errors.Is(err, chain.ErrInvalidStageConfig) {
		t.Fatalf("Submit error = %v, want ErrInvalidStageConfig", err)
	}
	if _, total, _ := env.store.ListRuns(context.Background(), 10, 0); total != 0 {
		t.Errorf("stored %d runs for a malformed env", total)
	}
	if n := len(env.backend.Pulled()); n != 0 {
		t.Errorf("pulled %d images for a malformed env", n)
	}
}

func TestSubmitUnavailableImage(t *testing.T) {
	env := newTestEngine(t, 0)

	run, err := env.eng.Submit(context.Background(), pipeline(chain.StageConfig{Image: "missing"}), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitForStatus(t, env.store, run.ID, model.StatusError, 5*time.Second)
	if !strings.Contains(done.Error, "image unavailable") {
		t.Errorf("Error = %q, want image unavailable", done.Error)
	}
	if n := len(env.backend.Created()); n != 0 {
		t.Errorf("created %d containers, want 0", n)
	}
}

func TestCancelRun(t *testing.T) {
	env := newTestEngine(t, 0)

	run, err := env.eng.Submit(context.Background(), pipeline(stage("sleep", "30")), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, env.store, run.ID, model.StatusRunning, 5*time.Second)

	if err := env.eng.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitForStatus(t, env.store, run.ID, model.StatusCancelled, 5*time.Second)
	env.eng.Wait()

	if n := env.backend.Live(); n != 0 {
		t.Errorf("%d containers left after cancel", n)
	}
	if err := env.eng.Cancel(context.Background(), run.ID); !errors.Is(err, engine.ErrRunNotActive) {
		t.Errorf("second Cancel error = %v, want ErrRunNotActive", err)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	env := newTestEngine(t, 0)
	if err := env.eng.Cancel(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Cancel error = %v, want ErrNotFound", err)
	}
}

func TestSubmitRespectsConcurrencyLimit(t *testing.T) {
	env := newTestEngine(t, 1)

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := env.eng.Submit(context.Background(), pipeline(stage("sleep", "0.05")), nil, nil)
		if err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
		ids = append(ids, run.ID)
	}
	for _, id := range ids {
		waitForStatus(t, env.store, id, model.StatusSucceeded, 5*time.Second)
	}
	if got := env.backend.MaxRunning(); got != 1 {
		t.Errorf("MaxRunning = %d, want 1", got)
	}
}

func TestSubmitPublishesEvents(t *testing.T) {
	env := newTestEngine(t, 0)

	run, err := env.eng.Submit(context.Background(), pipeline(stage("true")), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	env.eng.Wait()

	types := env.pub.types(run.ID)
	want := map[string]bool{
		model.EventRunState:      false,
		model.EventStageStarted:  false,
		model.EventStageFinished: false,
		model.EventRunFinished:   false,
	}
	for _, typ := range types {
		want[typ] = true
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("event %q not published; got %v", typ, types)
		}
	}
	if types[len(types)-1] != model.EventRunFinished {
		t.Errorf("last event = %q, want %q", types[len(types)-1], model.EventRunFinished)
	}
}

func TestSubmitStreamsToSubscribers(t *testing.T) {
	env := newTestEngine(t, 1)

	// Occupy the only slot so the next run cannot start before we subscribe.
	blocker, err := env.eng.Submit(context.Background(), pipeline(stage("sleep", "30")), nil, nil)
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	waitForStatus(t, env.store, blocker.ID, model.StatusRunning, 5*time.Second)
	run, err := env.eng.Submit(context.Background(), pipeline(stage("echo", "hi")), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch, unsub := env.eng.Broker().Subscribe(run.ID)
	defer unsub()
	if err := env.eng.Cancel(context.Background(), blocker.ID); err != nil {
		t.Fatalf("Cancel blocker: %v", err)
	}

	var last model.Event
	for ev := range ch {
		last = ev
	}
	if last.Type != model.EventRunFinished || last.Status != model.StatusSucceeded {
		t.Errorf("last event = %+v, want run.finished succeeded", last)
	}
}

func TestShutdownCancelsRuns(t *testing.T) {
	env := newTestEngine(t, 0)

	run, err := env.eng.Submit(context.Background(), pipeline(stage("sleep", "30")), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, env.store, run.ID, model.StatusRunning, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got, _ := env.store.GetRun(context.Background(), run.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("status after shutdown = %q, want cancelled", got.Status)
	}
}

func TestInfo(t *testing.T) {
	env := newTestEngine(t, 0)
	info, err := env.eng.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Name != fake.EngineName {
		t.Errorf("Name = %q, want %q", info.Name, fake.EngineName)
	}
}
