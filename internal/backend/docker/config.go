package docker

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for Docker backend configuration. The daemon
// address itself comes from the standard DOCKER_HOST family of variables.
const (
	envRegistryAuth  = "CHAINLINK_REGISTRY_AUTH"
	envStopTimeout   = "CHAINLINK_DOCKER_STOP_TIMEOUT_S"
	envContainerName = "CHAINLINK_DOCKER_NAME_PREFIX"
)

// Config holds configuration for the Docker backend.
type Config struct {
	// RegistryAuth is the base64-encoded registry credential passed on pulls.
	RegistryAuth string

	// StopTimeout bounds how long Wait is given to observe a killed container exit.
	StopTimeout time.Duration

	// NamePrefix is prepended to generated container names.
	NamePrefix string
}

// LoadConfig reads Docker backend configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		StopTimeout: DefaultStopTimeout,
		NamePrefix:  DefaultNamePrefix,
	}

	if v := os.Getenv(envRegistryAuth); v != "" {
		cfg.RegistryAuth = v
	}
	if v := os.Getenv(envStopTimeout); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StopTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv(envContainerName); v != "" {
		cfg.NamePrefix = v
	}

	return cfg
}
