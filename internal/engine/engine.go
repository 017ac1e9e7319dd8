package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/chainlink/internal/backend"
	"github.com/seantiz/chainlink/internal/chain"
	"github.com/seantiz/chainlink/internal/events"
	"github.com/seantiz/chainlink/internal/model"
	"github.com/seantiz/chainlink/internal/store"
)

// DefaultMaxConcurrentRuns bounds runs in flight when Options leaves it unset.
const DefaultMaxConcurrentRuns = 4

// publishTimeout bounds each delivery to the external event publisher.
const publishTimeout = 5 * time.Second

// ErrRunNotActive is returned by Cancel for a run that exists but is no
// longer in flight.
var ErrRunNotActive = errors.New("run is not in flight")

// Options configures an Engine.
type Options struct {
	Chain             chain.Options
	MaxConcurrentRuns int
	// Publisher receives every run event; nil disables external publishing.
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Engine orchestrates asynchronous pipeline runs.
type Engine struct {
	backend   backend.Backend
	chain     *chain.Chain
	store     store.Store
	publisher events.Publisher
	broker    *EventBroker
	logger    *slog.Logger

	slots chan struct{}

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates a new execution engine driving b and persisting to s.
func NewEngine(b backend.Backend, s store.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Chain.Logger == nil {
		opts.Chain.Logger = logger
	}
	limit := opts.MaxConcurrentRuns
	if limit <= 0 {
		limit = DefaultMaxConcurrentRuns
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		backend:   b,
		chain:     chain.New(b, opts.Chain),
		store:     s,
		publisher: publisher,
		broker:    NewEventBroker(),
		logger:    logger,
		slots:     make(chan struct{}, limit),
		baseCtx:   ctx,
		stop:      stop,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Info describes the container engine runs execute on.
func (e *Engine) Info(ctx context.Context) (backend.EngineInfo, error) {
	return e.backend.Info(ctx)
}

// Submit validates the pipeline, stores a pending run record and launches
// asynchronous execution. Invalid pipelines and initial environments are
// rejected with an error wrapping chain.ErrInvalidStageConfig and nothing is
// stored.
func (e *Engine) Submit(ctx context.Context, p chain.PipelineConfig, env map[string]string, seed chain.Seed) (*model.Run, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := chain.ValidateEnv(env); err != nil {
		return nil, err
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode pipeline: %w", err)
	}

	run := &model.Run{
		ID:         model.NewID(),
		Status:     model.StatusPending,
		Pipeline:   raw,
		StageCount: len(p.Stages),
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()

	runCopy := *run
	e.wg.Go(func() {
		e.execute(runCtx, &runCopy, chain.Request{Pipeline: p, Env: env, Seed: seed})
	})

	return run, nil
}

// Cancel aborts an in-flight run. It returns store.ErrNotFound for unknown
// runs and ErrRunNotActive for runs that already finished.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	if _, err := e.store.GetRun(ctx, id); err != nil {
		return err
	}
	return ErrRunNotActive
}

// Wait blocks until all in-flight runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels every in-flight run and waits for them to clean up or
// for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs one submitted pipeline:
// pending -> prefetching -> running -> succeeded|failed|error|cancelled.
func (e *Engine) execute(ctx context.Context, run *model.Run, req chain.Request) {
	logger := e.logger.With("run_id", run.ID)
	defer e.broker.Close(run.ID)
	defer func() {
		e.mu.Lock()
		cancel := e.cancels[run.ID]
		delete(e.cancels, run.ID)
		e.mu.Unlock()
		cancel()
	}()

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		e.finish(run.ID, model.StatusCancelled, "cancelled before start", logger)
		return
	}
	runsInFlight.Inc()
	defer func() {
		<-e.slots
		runsInFlight.Dec()
	}()

	req.Hooks = e.hooks(run.ID, logger)
	results, err := e.chain.Run(ctx, req)

	status, msg := outcome(ctx, results, len(req.Pipeline.Stages), err)
	e.finish(run.ID, status, msg, logger)
}

// hooks persists and publishes progress of one run.
func (e *Engine) hooks(runID string, logger *slog.Logger) *chain.Hooks {
	return &chain.Hooks{
		OnState: func(s chain.State) {
			var status string
			switch s {
			case chain.StatePrefetching:
				status = model.StatusPrefetching
			case chain.StateRunning:
				status = model.StatusRunning
			}
			if status != "" {
				if err := e.store.UpdateRunStatus(context.Background(), runID, status); err != nil {
					logger.Error("failed to update run status", "status", status, "error", err)
				}
			}
			e.publish(model.Event{Type: model.EventRunState, RunID: runID, Status: string(s)}, logger)
		},
		OnStageStart: func(i int, s chain.StageConfig) {
			idx := i
			e.publish(model.Event{Type: model.EventStageStarted, RunID: runID, Stage: &idx, Name: s.Name,
				Data: map[string]string{"image": s.Image}}, logger)
		},
		OnStageDone: func(r chain.StageResult) {
			rec := stageRecord(runID, r)
			if err := e.store.InsertStageResult(context.Background(), rec); err != nil {
				logger.Error("failed to persist stage result", "stage", r.Name, "error", err)
			}
			idx := r.Index
			e.publish(model.Event{Type: model.EventStageFinished, RunID: runID, Stage: &idx, Name: r.Name, Data: rec}, logger)
		},
	}
}

func (e *Engine) finish(runID, status, msg string, logger *slog.Logger) {
	if err := e.store.FinishRun(context.Background(), runID, status, msg); err != nil {
		logger.Error("failed to finish run", "status", status, "error", err)
	}
	runsFinished.WithLabelValues(status).Inc()
	logger.Info("run finished", "status", status, "error", msg)
	e.publish(model.Event{Type: model.EventRunFinished, RunID: runID, Status: status, Data: msg}, logger)
}

// publish delivers ev to SSE subscribers and the external publisher.
func (e *Engine) publish(ev model.Event, logger *slog.Logger) {
	ev.Time = time.Now().UTC()
	e.broker.Publish(ev)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, ev); err != nil {
		logger.Warn("failed to publish event", "type", ev.Type, "error", err)
	}
}

// outcome maps a pipeline result onto a terminal run status and message.
func outcome(ctx context.Context, results []chain.StageResult, stages int, err error) (string, string) {
	switch {
	case err != nil && ctx.Err() != nil:
		return model.StatusCancelled, err.Error()
	case err != nil:
		return model.StatusError, err.Error()
	case chain.Succeeded(results, stages):
		return model.StatusSucceeded, ""
	case len(results) == 0:
		return model.StatusFailed, "no stage ran"
	}
	last := results[len(results)-1]
	if last.Killed {
		return model.StatusFailed, fmt.Sprintf("stage %q timed out and was killed", last.Name)
	}
	return model.StatusFailed, fmt.Sprintf("stage %q exited with code %d", last.Name, last.ExitCode())
}

func stageRecord(runID string, r chain.StageResult) *model.StageRecord {
	rec := &model.StageRecord{
		RunID:       runID,
		Index:       r.Index,
		Name:        r.Name,
		Image:       r.Image,
		ContainerID: r.ContainerID,
		ExitCode:    r.ExitCode(),
		Killed:      r.Killed,
		OOMKilled:   r.State.OOMKilled,
		Success:     r.Success,
		DurationMS:  int(r.Duration.Milliseconds()),
		CreatedAt:   time.Now().UTC(),
	}
	if r.Logs != nil {
		rec.Stdout, rec.Stderr, rec.Combined = r.Logs.Stdout, r.Logs.Stderr, r.Logs.Combined
	}
	return rec
}
