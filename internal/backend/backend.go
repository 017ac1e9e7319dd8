package backend

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrImageNotFound is returned when an image does not exist in the
	// registry (PullImage) or in the local image store (InspectImage).
	ErrImageNotFound = errors.New("image not found")

	// ErrContainerNotFound is returned when the container no longer exists.
	ErrContainerNotFound = errors.New("container not found")
)

// Backend is the capability surface of a container engine. Implementations
// must be safe for concurrent use: image pulls fan out across goroutines and
// independent pipeline runs may share one Backend.
type Backend interface {
	// PullImage fetches an image from its registry.
	PullImage(ctx context.Context, ref string) error

	// InspectImage reports whether the image is present in the local store.
	InspectImage(ctx context.Context, ref string) error

	// Run creates and starts a detached container and returns its ID without
	// waiting for it to exit.
	Run(ctx context.Context, spec ContainerSpec) (string, error)

	// Wait blocks until the container is no longer running and returns its
	// exit code. It returns ctx.Err() once ctx is done, leaving the container
	// untouched.
	Wait(ctx context.Context, id string) (int64, error)

	// Kill sends SIGKILL to the container.
	Kill(ctx context.Context, id string) error

	// Inspect returns the current state of the container.
	Inspect(ctx context.Context, id string) (ContainerState, error)

	// Logs returns the selected output streams of the container.
	Logs(ctx context.Context, id string, opts LogOptions) ([]byte, error)

	// Remove deletes the container, forcing removal if it is still running.
	Remove(ctx context.Context, id string) error

	// Info describes the engine the backend is connected to.
	Info(ctx context.Context) (EngineInfo, error)

	// Close releases the connection to the engine.
	Close() error
}

// ContainerSpec describes a container to be created by a backend.
type ContainerSpec struct {
	Name       string            `json:"name,omitempty"`
	Image      string            `json:"image"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Hostname   string            `json:"hostname"`

	// MemoryBytes and MemorySwapBytes are hard ceilings; equal values disable swap.
	MemoryBytes     int64 `json:"memory_bytes"`
	MemorySwapBytes int64 `json:"memory_swap_bytes"`

	// CPUPeriod and CPUQuota are in microseconds; zero leaves CPU unthrottled.
	CPUPeriod int64 `json:"cpu_period,omitempty"`
	CPUQuota  int64 `json:"cpu_quota,omitempty"`

	NetworkDisabled bool     `json:"network_disabled"`
	Privileged      bool     `json:"privileged"`
	CapAdd          []string `json:"cap_add,omitempty"`
	IpcMode         string   `json:"ipc_mode,omitempty"`
	Mounts          []Mount  `json:"mounts,omitempty"`
	Tty             bool     `json:"tty"`
}

// Mount is a host directory bind-mounted into a container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// ContainerState is the engine-reported state of a container.
type ContainerState struct {
	Status     string    `json:"status"`
	Running    bool      `json:"running"`
	OOMKilled  bool      `json:"oom_killed"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// LogOptions selects which container output streams to fetch.
type LogOptions struct {
	Stdout     bool
	Stderr     bool
	Timestamps bool
}

// EngineInfo describes a container engine.
type EngineInfo struct {
	Name       string `json:"name"`
	APIVersion string `json:"api_version"`
	OSType     string `json:"os_type"`
}
