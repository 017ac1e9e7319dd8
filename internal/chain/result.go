package chain

import (
	"time"

	"github.com/seantiz/chainlink/internal/backend"
)

// Logs holds captured stage output. Split mode fills Stdout and Stderr;
// combined mode fills Combined.
type Logs struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Combined string `json:"combined,omitempty"`
}

// StageResult is the outcome of one stage that ran.
type StageResult struct {
	Index       int                    `json:"index"`
	Name        string                 `json:"name"`
	Image       string                 `json:"image"`
	ContainerID string                 `json:"container_id"`
	State       backend.ContainerState `json:"state"`
	Killed      bool                   `json:"killed"`
	Logs        *Logs                  `json:"logs,omitempty"`
	Success     bool                   `json:"success"`
	Duration    time.Duration          `json:"duration_ns"`
}

// ExitCode returns the container exit code.
func (r StageResult) ExitCode() int { return r.State.ExitCode }

// Succeeded reports whether every one of total stages ran and succeeded.
func Succeeded(results []StageResult, total int) bool {
	if len(results) != total {
		return false
	}
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}
