package store

import (
	"context"
	"errors"

	"github.com/seantiz/chainlink/internal/model"
)

var (
	// ErrNotFound is returned when a run is not found.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when a run status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	StagesRun     int            `json:"stages_run"`
	StagesKilled  int            `json:"stages_killed"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for pipeline runs.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)

	// UpdateRunStatus moves a run to a non-terminal status. Entering
	// prefetching stamps started_at.
	UpdateRunStatus(ctx context.Context, id, status string) error

	// FinishRun moves a run to a terminal status, recording the error
	// message, finished_at and the duration since started_at.
	FinishRun(ctx context.Context, id, status, errMsg string) error

	// InsertStageResult appends a stage result and bumps the run's stages_run.
	InsertStageResult(ctx context.Context, rec *model.StageRecord) error
	ListStageResults(ctx context.Context, runID string) ([]model.StageRecord, error)

	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}
