package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/chainlink/internal/backend"
)

// State is the lifecycle phase of a pipeline run.
type State string

// Run states. A run moves created -> prefetching, then either to failed
// (validation or image resolution) or to workspace_ready -> running ->
// stopped. Engine errors and aborts after the workspace exists also end in
// failed.
const (
	StateCreated        State = "created"
	StatePrefetching    State = "prefetching"
	StateWorkspaceReady State = "workspace_ready"
	StateRunning        State = "running"
	StateStopped        State = "stopped"
	StateFailed         State = "failed"
)

// Hooks observe a run while it progresses. Any field may be nil. Hooks are
// called synchronously from the goroutine executing the run.
type Hooks struct {
	OnState      func(State)
	OnStageStart func(index int, stage StageConfig)
	OnStageDone  func(StageResult)
}

func (h *Hooks) state(s State) {
	if h != nil && h.OnState != nil {
		h.OnState(s)
	}
}

func (h *Hooks) stageStart(i int, s StageConfig) {
	if h != nil && h.OnStageStart != nil {
		h.OnStageStart(i, s)
	}
}

func (h *Hooks) stageDone(r StageResult) {
	if h != nil && h.OnStageDone != nil {
		h.OnStageDone(r)
	}
}

// Options configures a Chain.
type Options struct {
	// WorkDir is the parent directory for workspaces; empty means os.TempDir.
	WorkDir string
	// PullConcurrency bounds concurrent image pulls; zero means unbounded.
	PullConcurrency int
	// StopTimeout bounds cleanup calls to the engine.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Request is one pipeline run.
type Request struct {
	Pipeline PipelineConfig
	// Env is layered over the pipeline env and under each stage env.
	Env   map[string]string
	Seed  Seed
	Hooks *Hooks
}

// Chain executes pipelines against one container engine. It holds no
// per-run state and may run several pipelines concurrently.
type Chain struct {
	prefetcher *Prefetcher
	executor   *Executor
	workDir    string
	logger     *slog.Logger
}

// New creates a Chain that drives b.
func New(b backend.Backend, opts Options) *Chain {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		prefetcher: NewPrefetcher(b, logger, opts.PullConcurrency),
		executor:   NewExecutor(b, logger, opts.StopTimeout),
		workDir:    opts.WorkDir,
		logger:     logger,
	}
}

// Run executes the pipeline described by req.
//
// Validation and image resolution happen before any container or workspace
// is created. Stages then run strictly in order; the run stops after the
// first stage that does not succeed. The returned results hold one entry per
// stage that ran, in order. A nil error with fewer results than stages means
// the last result failed.
//
// A non-nil error reports invalid configuration (ErrInvalidStageConfig), an
// unresolvable image (ErrImageUnavailable), an engine failure (ErrEngine) or
// ctx ending. Results of stages completed before the error are still
// returned. The workspace is removed on every path.
func (c *Chain) Run(ctx context.Context, req Request) (results []StageResult, err error) {
	hooks := req.Hooks
	hooks.state(StateCreated)

	defer func() {
		switch {
		case err != nil:
			pipelinesTotal.WithLabelValues(outcomeError).Inc()
		case Succeeded(results, len(req.Pipeline.Stages)):
			pipelinesTotal.WithLabelValues(outcomeSucceeded).Inc()
		default:
			pipelinesTotal.WithLabelValues(outcomeFailed).Inc()
		}
	}()

	pipeline, err := req.Pipeline.Normalize()
	if err == nil {
		err = ValidateEnv(req.Env)
	}
	if err == nil {
		err = req.Seed.Validate()
	}
	if err != nil {
		hooks.state(StateFailed)
		return nil, err
	}

	hooks.state(StatePrefetching)
	if err := c.prefetcher.Prefetch(ctx, pipeline.Images()); err != nil {
		c.logger.Error("prefetch failed", "error", err)
		hooks.state(StateFailed)
		return nil, err
	}

	ws, err := AcquireWorkspace(c.workDir)
	if err != nil {
		hooks.state(StateFailed)
		return nil, err
	}
	logger := c.logger.With("workspace", ws.Path)
	defer func() {
		if rerr := ws.Release(); rerr != nil {
			logger.Warn("workspace cleanup failed", "error", rerr)
		}
	}()

	if err := ws.Seed(req.Seed); err != nil {
		hooks.state(StateFailed)
		return nil, err
	}
	hooks.state(StateWorkspaceReady)

	env := MergeEnv(pipeline.Env, req.Env)
	hooks.state(StateRunning)
	for i, stage := range pipeline.Stages {
		hooks.stageStart(i, stage)
		res, err := c.executor.Execute(ctx, i, stage, ws, env)
		if res.ContainerID != "" {
			results = append(results, res)
			hooks.stageDone(res)
		}
		if err != nil {
			logger.Error("pipeline aborted", "stage", stage.Name, "error", err)
			hooks.state(StateFailed)
			return results, wrapAbort(err)
		}
		if !res.Success {
			logger.Info("pipeline stopped at unsuccessful stage", "stage", stage.Name,
				"exit_code", res.ExitCode(), "killed", res.Killed)
			break
		}
	}

	hooks.state(StateStopped)
	return results, nil
}

// wrapAbort annotates ctx errors; engine and config errors already carry
// their sentinel.
func wrapAbort(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("pipeline aborted: %w", err)
	}
	return err
}
