package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/chainlink/internal/backend"
)

// DefaultStopTimeout bounds engine calls made after a stage has been killed
// or the run aborted, when the caller's context can no longer be used.
const DefaultStopTimeout = 10 * time.Second

// Executor runs a single stage container to completion or timeout.
type Executor struct {
	backend     backend.Backend
	logger      *slog.Logger
	stopTimeout time.Duration
}

// NewExecutor creates an Executor. A zero stopTimeout selects DefaultStopTimeout.
func NewExecutor(b backend.Backend, logger *slog.Logger, stopTimeout time.Duration) *Executor {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Executor{backend: b, logger: logger, stopTimeout: stopTimeout}
}

type waitResult struct {
	code int64
	err  error
}

// Execute starts the stage with the workspace mounted at JobDir, waits for
// it within the stage timeout and collects its result. A stage that outlives
// its timeout is killed and reported with Killed set and Success false.
//
// The returned error is reserved for engine failures and for ctx ending
// before the stage did; a non-zero exit is reported through the result.
// The container is removed before Execute returns whenever it was created.
func (e *Executor) Execute(ctx context.Context, index int, stage StageConfig, ws *Workspace, env map[string]string) (StageResult, error) {
	result := StageResult{Index: index, Name: stage.Name, Image: stage.Image}
	logger := e.logger.With("stage", stage.Name, "index", index, "image", stage.Image)

	spec, err := stage.containerSpec(ws.Path, MergeEnv(env, stage.Env))
	if err != nil {
		return result, err
	}

	// The timeout is measured from the start request.
	start := time.Now()
	deadline := start.Add(stage.Timeout())

	id, err := e.backend.Run(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		stagesTotal.WithLabelValues(outcomeError).Inc()
		return result, fmt.Errorf("%w: start stage %q: %w", ErrEngine, stage.Name, err)
	}
	result.ContainerID = id
	logger = logger.With("container_id", id)
	logger.Info("stage started", "timeout_s", stage.Timeout().Seconds())
	defer e.remove(id, logger)

	killed, err := e.wait(ctx, id, deadline, logger)
	result.Killed = killed
	result.Duration = time.Since(start)
	stageDuration.Observe(result.Duration.Seconds())
	if err != nil {
		stagesTotal.WithLabelValues(outcomeError).Inc()
		return result, err
	}

	state, err := e.backend.Inspect(ctx, id)
	if err != nil {
		stagesTotal.WithLabelValues(outcomeError).Inc()
		return result, fmt.Errorf("%w: inspect stage %q: %w", ErrEngine, stage.Name, err)
	}
	result.State = state
	result.Success = !killed && state.ExitCode == 0

	if stage.CollectLogs() {
		logs, err := e.collectLogs(ctx, id, stage.LogMode)
		if err != nil {
			stagesTotal.WithLabelValues(outcomeError).Inc()
			return result, fmt.Errorf("%w: logs of stage %q: %w", ErrEngine, stage.Name, err)
		}
		result.Logs = logs
	}

	switch {
	case killed:
		stagesTotal.WithLabelValues(outcomeKilled).Inc()
		logger.Warn("stage timed out and was killed", "duration_ms", result.Duration.Milliseconds())
	case result.Success:
		stagesTotal.WithLabelValues(outcomeSucceeded).Inc()
		logger.Info("stage succeeded", "duration_ms", result.Duration.Milliseconds())
	default:
		stagesTotal.WithLabelValues(outcomeFailed).Inc()
		logger.Warn("stage failed", "exit_code", state.ExitCode, "oom_killed", state.OOMKilled,
			"duration_ms", result.Duration.Milliseconds())
	}
	return result, nil
}

// wait blocks until the container exits, the deadline passes or ctx ends.
// In the last two cases the container is killed. killed reports only the
// timeout kill; if ctx ended, its error is returned instead.
func (e *Executor) wait(ctx context.Context, id string, deadline time.Time, logger *slog.Logger) (killed bool, err error) {
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	done := make(chan waitResult, 1)
	go func() {
		code, err := e.backend.Wait(waitCtx, id)
		done <- waitResult{code: code, err: err}
	}()

	received := false
	select {
	case res := <-done:
		received = true
		if res.err == nil {
			return false, nil
		}
		if waitCtx.Err() == nil {
			return false, fmt.Errorf("%w: wait for container %s: %w", ErrEngine, id, res.err)
		}
	case <-waitCtx.Done():
	}

	// The deadline passed or ctx ended while the container was running.
	if err := e.kill(id); err != nil {
		// It may have exited on its own in the meantime; the stage is
		// still reported as killed.
		logger.Warn("kill failed", "error", err)
	}
	cancel()
	if !received {
		<-done
	}
	e.confirmStopped(id, logger)

	if err := ctx.Err(); err != nil {
		logger.Warn("stage aborted", "error", err)
		return false, err
	}
	return true, nil
}

func (e *Executor) kill(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.stopTimeout)
	defer cancel()
	return e.backend.Kill(ctx, id)
}

// confirmStopped waits briefly for a killed container to reach a terminal
// state so that inspection reports final values.
func (e *Executor) confirmStopped(id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), e.stopTimeout)
	defer cancel()
	if _, err := e.backend.Wait(ctx, id); err != nil {
		logger.Warn("container did not confirm stop", "error", err)
	}
}

func (e *Executor) collectLogs(ctx context.Context, id string, mode LogMode) (*Logs, error) {
	if mode == LogCombined {
		out, err := e.backend.Logs(ctx, id, backend.LogOptions{Stdout: true, Stderr: true, Timestamps: true})
		if err != nil {
			return nil, err
		}
		return &Logs{Combined: string(out)}, nil
	}

	stdout, err := e.backend.Logs(ctx, id, backend.LogOptions{Stdout: true, Timestamps: true})
	if err != nil {
		return nil, err
	}
	stderr, err := e.backend.Logs(ctx, id, backend.LogOptions{Stderr: true, Timestamps: true})
	if err != nil {
		return nil, err
	}
	return &Logs{Stdout: string(stdout), Stderr: string(stderr)}, nil
}

// remove deletes the container. Failures are logged, never returned.
func (e *Executor) remove(id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), e.stopTimeout)
	defer cancel()
	if err := e.backend.Remove(ctx, id); err != nil && !errors.Is(err, backend.ErrContainerNotFound) {
		logger.Warn("container removal failed", "error", err)
	}
}
