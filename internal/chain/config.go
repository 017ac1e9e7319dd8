package chain

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/chainlink/internal/backend"
)

// Stage defaults.
const (
	DefaultHostname = "container"
	DefaultMemory   = "2g"
	DefaultTimeoutS = 30
)

// JobDir is where the workspace is mounted inside every stage container.
const JobDir = "/job"

// ipcMode keeps each stage in its own IPC namespace.
const ipcMode = "private"

// Docker rejects CPU periods outside 1ms..1s and quotas under 1ms.
const (
	minCPUPeriod = 1000
	maxCPUPeriod = 1000000
	minCPUQuota  = 1000
)

// LogMode selects how stage output is captured.
type LogMode string

const (
	// LogSplit fetches stdout and stderr separately.
	LogSplit LogMode = "split"
	// LogCombined fetches both streams interleaved as one.
	LogCombined LogMode = "combined"
)

// StageConfig declares one containerized step of a pipeline. Optional fields
// left unset take the package defaults; pointer fields distinguish "unset"
// from an explicit zero value.
type StageConfig struct {
	Name         string            `yaml:"name,omitempty" json:"name,omitempty"`
	Image        string            `yaml:"image" json:"image"`
	Entrypoint   []string          `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Hostname     string            `yaml:"hostname,omitempty" json:"hostname,omitempty"`
	Memory       string            `yaml:"memory,omitempty" json:"memory,omitempty"`
	CPUPeriod    int64             `yaml:"cpu_period,omitempty" json:"cpu_period,omitempty"`
	CPUQuota     int64             `yaml:"cpu_quota,omitempty" json:"cpu_quota,omitempty"`
	Networking   *bool             `yaml:"networking,omitempty" json:"networking,omitempty"`
	Privileged   bool              `yaml:"privileged,omitempty" json:"privileged,omitempty"`
	Capabilities []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	TimeoutS     *int              `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Logs         *bool             `yaml:"logs,omitempty" json:"logs,omitempty"`
	LogMode      LogMode           `yaml:"log_mode,omitempty" json:"log_mode,omitempty"`
}

// PipelineConfig is the ordered list of stages of one pipeline plus the
// environment shared by all of them.
type PipelineConfig struct {
	Env    map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Stages []StageConfig     `yaml:"stages" json:"stages"`
}

// ParsePipeline decodes a YAML (or JSON) pipeline definition.
func ParsePipeline(data []byte) (PipelineConfig, error) {
	var p PipelineConfig
	if err := yaml.Unmarshal(data, &p); err != nil {
		return PipelineConfig{}, fmt.Errorf("parse pipeline: %w", err)
	}
	return p, nil
}

// LoadPipeline reads and decodes the pipeline definition at path.
func LoadPipeline(path string) (PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineConfig{}, fmt.Errorf("read pipeline: %w", err)
	}
	return ParsePipeline(data)
}

// Validate checks every stage and reports all problems found.
func (p PipelineConfig) Validate() error {
	if len(p.Stages) == 0 {
		return &ValidationError{Stage: -1, Field: "stages", Message: "pipeline has no stages"}
	}
	var errs []error
	if err := validateEnv(-1, p.Env); err != nil {
		errs = append(errs, err)
	}
	for i, s := range p.Stages {
		if err := s.Validate(i); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Normalize validates the pipeline and returns a copy with stage defaults
// filled in.
func (p PipelineConfig) Normalize() (PipelineConfig, error) {
	if err := p.Validate(); err != nil {
		return PipelineConfig{}, err
	}
	out := PipelineConfig{
		Env:    maps.Clone(p.Env),
		Stages: make([]StageConfig, len(p.Stages)),
	}
	for i, s := range p.Stages {
		out.Stages[i] = s.withDefaults(i)
	}
	return out, nil
}

// Images returns the distinct images used by the pipeline, sorted.
func (p PipelineConfig) Images() []string {
	images := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		images = append(images, s.Image)
	}
	slices.Sort(images)
	return slices.Compact(images)
}

// Validate checks the stage at position index.
func (s StageConfig) Validate(index int) error {
	var errs []error
	invalid := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Stage: index, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(s.Image) == "" {
		invalid("image", "image is required")
	}
	if s.TimeoutS != nil && *s.TimeoutS <= 0 {
		invalid("timeout", "timeout must be positive, got %d", *s.TimeoutS)
	}
	if s.Memory != "" {
		if n, err := units.RAMInBytes(s.Memory); err != nil || n <= 0 {
			invalid("memory", "invalid memory limit %q", s.Memory)
		}
	}
	if s.CPUPeriod < 0 || (s.CPUPeriod != 0 && (s.CPUPeriod < minCPUPeriod || s.CPUPeriod > maxCPUPeriod)) {
		invalid("cpu_period", "cpu period must be between %d and %d microseconds", minCPUPeriod, maxCPUPeriod)
	}
	if s.CPUQuota < 0 || (s.CPUQuota != 0 && s.CPUQuota < minCPUQuota) {
		invalid("cpu_quota", "cpu quota must be at least %d microseconds", minCPUQuota)
	}
	for _, c := range s.Capabilities {
		if c == "" || strings.ContainsAny(c, " \t\n") {
			invalid("capabilities", "invalid capability %q", c)
		}
	}
	switch s.LogMode {
	case "", LogSplit, LogCombined:
	default:
		invalid("log_mode", "log mode must be %q or %q", LogSplit, LogCombined)
	}
	if err := validateEnv(index, s.Env); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateEnv checks the variable names of an environment supplied outside
// the pipeline definition, such as the caller's initial environment.
func ValidateEnv(env map[string]string) error {
	return validateEnv(-1, env)
}

func validateEnv(index int, env map[string]string) error {
	for k := range env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return &ValidationError{Stage: index, Field: "env", Message: fmt.Sprintf("invalid variable name %q", k)}
		}
	}
	return nil
}

// withDefaults returns a copy of s with unset fields defaulted.
func (s StageConfig) withDefaults(index int) StageConfig {
	if s.Name == "" {
		s.Name = fmt.Sprintf("stage-%d", index+1)
	}
	if s.Hostname == "" {
		s.Hostname = DefaultHostname
	}
	if s.Memory == "" {
		s.Memory = DefaultMemory
	}
	if s.TimeoutS == nil {
		t := DefaultTimeoutS
		s.TimeoutS = &t
	}
	if s.LogMode == "" {
		s.LogMode = LogSplit
	}
	s.Capabilities = slices.Compact(slices.Sorted(slices.Values(s.Capabilities)))
	return s
}

// NetworkingEnabled reports whether the stage may use the network (default true).
func (s StageConfig) NetworkingEnabled() bool {
	return s.Networking == nil || *s.Networking
}

// CollectLogs reports whether stage output is captured (default true).
func (s StageConfig) CollectLogs() bool {
	return s.Logs == nil || *s.Logs
}

// Timeout returns the stage deadline, measured from the start request.
func (s StageConfig) Timeout() time.Duration {
	if s.TimeoutS == nil {
		return DefaultTimeoutS * time.Second
	}
	return time.Duration(*s.TimeoutS) * time.Second
}

// containerSpec translates the stage into engine parameters. env must
// already be merged.
func (s StageConfig) containerSpec(workspace string, env map[string]string) (backend.ContainerSpec, error) {
	memory := s.Memory
	if memory == "" {
		memory = DefaultMemory
	}
	memBytes, err := units.RAMInBytes(memory)
	if err != nil {
		return backend.ContainerSpec{}, &ValidationError{Stage: -1, Field: "memory", Message: err.Error()}
	}
	hostname := s.Hostname
	if hostname == "" {
		hostname = DefaultHostname
	}

	return backend.ContainerSpec{
		Name:            s.Name,
		Image:           s.Image,
		Entrypoint:      slices.Clone(s.Entrypoint),
		Env:             env,
		Hostname:        hostname,
		MemoryBytes:     memBytes,
		MemorySwapBytes: memBytes,
		CPUPeriod:       s.CPUPeriod,
		CPUQuota:        s.CPUQuota,
		NetworkDisabled: !s.NetworkingEnabled(),
		Privileged:      s.Privileged,
		CapAdd:          slices.Clone(s.Capabilities),
		IpcMode:         ipcMode,
		Mounts:          []backend.Mount{{Source: workspace, Target: JobDir}},
		Tty:             true,
	}, nil
}

// MergeEnv overlays the given environments left to right; later keys win.
func MergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		maps.Copy(out, l)
	}
	return out
}
