package docker

import "time"

const (
	// BackendName is reported by Info.
	BackendName = "docker"

	// DefaultStopTimeout bounds the wait for a killed container to exit.
	DefaultStopTimeout = 10 * time.Second

	// DefaultNamePrefix is prepended to container names.
	DefaultNamePrefix = "chainlink"

	// killSignal is sent by Kill.
	killSignal = "SIGKILL"
)
