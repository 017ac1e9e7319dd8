package model

import (
	"encoding/json"
	"time"
)

// Run status constants.
const (
	StatusPending     = "pending"
	StatusPrefetching = "prefetching"
	StatusRunning     = "running"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusError       = "error"
	StatusCancelled   = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusPrefetching: true,
		StatusError:       true,
		StatusCancelled:   true,
	},
	StatusPrefetching: {
		StatusRunning:   true,
		StatusError:     true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusError:     true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transitions are possible from status.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Run is a persisted pipeline run.
type Run struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Pipeline   json.RawMessage `json:"pipeline"`
	StageCount int             `json:"stage_count"`
	StagesRun  int             `json:"stages_run"`
	Error      string          `json:"error,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// StageRecord is the persisted result of one stage of a run.
type StageRecord struct {
	RunID       string    `json:"run_id"`
	Index       int       `json:"index"`
	Name        string    `json:"name"`
	Image       string    `json:"image"`
	ContainerID string    `json:"container_id"`
	ExitCode    int       `json:"exit_code"`
	Killed      bool      `json:"killed"`
	OOMKilled   bool      `json:"oom_killed"`
	Success     bool      `json:"success"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	Combined    string    `json:"combined,omitempty"`
	DurationMS  int       `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event types published while a run progresses.
const (
	EventRunState      = "run.state"
	EventStageStarted  = "stage.started"
	EventStageFinished = "stage.finished"
	EventRunFinished   = "run.finished"
)

// Event is a progress notification for one run.
type Event struct {
	Type   string    `json:"type"`
	RunID  string    `json:"run_id"`
	Status string    `json:"status,omitempty"`
	Stage  *int      `json:"stage,omitempty"`
	Name   string    `json:"name,omitempty"`
	Data   any       `json:"data,omitempty"`
	Time   time.Time `json:"time"`
}
