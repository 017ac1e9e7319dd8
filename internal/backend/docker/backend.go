package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/seantiz/chainlink/internal/backend"
)

// apiClient is the subset of the Docker Engine API client used by Backend.
type apiClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Compile-time interface satisfaction checks.
var (
	_ apiClient       = (*client.Client)(nil)
	_ backend.Backend = (*Backend)(nil)
)

// invalidNameChars matches characters Docker rejects in container names.
var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Backend implements backend.Backend against a Docker Engine.
type Backend struct {
	api    apiClient
	cfg    Config
	logger *slog.Logger
}

// NewBackend connects to the Docker daemon described by the DOCKER_HOST
// family of environment variables, negotiating the API version.
func NewBackend(cfg Config, logger *slog.Logger) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newBackend(cli, cfg, logger), nil
}

func newBackend(api apiClient, cfg Config, logger *slog.Logger) *Backend {
	return &Backend{api: api, cfg: cfg, logger: logger}
}

// PullImage pulls ref from its registry and drains the progress stream, which
// is where the daemon reports most pull failures.
func (b *Backend) PullImage(ctx context.Context, ref string) error {
	start := time.Now()
	rc, err := b.api.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: b.cfg.RegistryAuth})
	if err != nil {
		apiErrorsTotal.WithLabelValues(opPull).Inc()
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("pull %s: %w: %v", ref, backend.ErrImageNotFound, err)
		}
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		apiErrorsTotal.WithLabelValues(opPull).Inc()
		if isNotFoundMessage(err) {
			return fmt.Errorf("pull %s: %w: %v", ref, backend.ErrImageNotFound, err)
		}
		return fmt.Errorf("pull %s: %w", ref, err)
	}

	pullDuration.Observe(time.Since(start).Seconds())
	b.logger.Debug("image pulled", "image", ref, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// InspectImage checks the local image store for ref.
func (b *Backend) InspectImage(ctx context.Context, ref string) error {
	if _, err := b.api.ImageInspect(ctx, ref); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("inspect image %s: %w", ref, backend.ErrImageNotFound)
		}
		apiErrorsTotal.WithLabelValues(opInspect).Inc()
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return nil
}

// Run creates and starts a detached container. A container that was created
// but failed to start is removed before returning.
func (b *Backend) Run(ctx context.Context, spec backend.ContainerSpec) (string, error) {
	cfg, hostCfg := translateSpec(spec)
	name := containerName(b.cfg.NamePrefix, spec.Name)

	created, err := b.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		apiErrorsTotal.WithLabelValues(opCreate).Inc()
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("create container from %s: %w", spec.Image, backend.ErrImageNotFound)
		}
		return "", fmt.Errorf("create container from %s: %w", spec.Image, err)
	}
	activeContainers.Inc()
	for _, w := range created.Warnings {
		b.logger.Warn("container create warning", "container_id", created.ID, "warning", w)
	}

	if err := b.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		apiErrorsTotal.WithLabelValues(opStart).Inc()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), b.cfg.StopTimeout)
		defer cancel()
		if rmErr := b.Remove(cleanupCtx, created.ID); rmErr != nil {
			b.logger.Warn("remove unstarted container failed", "container_id", created.ID, "error", rmErr)
		}
		return "", fmt.Errorf("start container %s: %w", created.ID, err)
	}

	b.logger.Debug("container started", "container_id", created.ID, "name", name, "image", spec.Image)
	return created.ID, nil
}

// Wait blocks until the container is not running.
func (b *Backend) Wait(ctx context.Context, id string) (int64, error) {
	respCh, errCh := b.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-respCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return resp.StatusCode, fmt.Errorf("wait %s: %s", id, resp.Error.Message)
		}
		return resp.StatusCode, nil
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		if errdefs.IsNotFound(err) {
			return 0, fmt.Errorf("wait %s: %w", id, backend.ErrContainerNotFound)
		}
		return 0, fmt.Errorf("wait %s: %w", id, err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill sends SIGKILL to the container.
func (b *Backend) Kill(ctx context.Context, id string) error {
	if err := b.api.ContainerKill(ctx, id, killSignal); err != nil {
		apiErrorsTotal.WithLabelValues(opKill).Inc()
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("kill %s: %w", id, backend.ErrContainerNotFound)
		}
		return fmt.Errorf("kill %s: %w", id, err)
	}
	return nil
}

// Inspect returns the container state.
func (b *Backend) Inspect(ctx context.Context, id string) (backend.ContainerState, error) {
	resp, err := b.api.ContainerInspect(ctx, id)
	if err != nil {
		apiErrorsTotal.WithLabelValues(opInspect).Inc()
		if errdefs.IsNotFound(err) {
			return backend.ContainerState{}, fmt.Errorf("inspect %s: %w", id, backend.ErrContainerNotFound)
		}
		return backend.ContainerState{}, fmt.Errorf("inspect %s: %w", id, err)
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return backend.ContainerState{}, fmt.Errorf("inspect %s: response has no state", id)
	}
	return translateState(resp.State), nil
}

// Logs fetches the selected output streams. Containers with a TTY produce a
// single raw stream; others are demultiplexed with stdcopy.
func (b *Backend) Logs(ctx context.Context, id string, opts backend.LogOptions) ([]byte, error) {
	resp, err := b.api.ContainerInspect(ctx, id)
	if err != nil {
		apiErrorsTotal.WithLabelValues(opInspect).Inc()
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("logs %s: %w", id, backend.ErrContainerNotFound)
		}
		return nil, fmt.Errorf("logs %s: %w", id, err)
	}
	tty := resp.Config != nil && resp.Config.Tty

	rc, err := b.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: opts.Stdout,
		ShowStderr: opts.Stderr,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		apiErrorsTotal.WithLabelValues(opLogs).Inc()
		return nil, fmt.Errorf("logs %s: %w", id, err)
	}
	defer rc.Close()

	return readLogs(rc, tty)
}

// Remove force-removes the container and its anonymous volumes.
func (b *Backend) Remove(ctx context.Context, id string) error {
	err := b.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		apiErrorsTotal.WithLabelValues(opRemove).Inc()
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("remove %s: %w", id, backend.ErrContainerNotFound)
		}
		return fmt.Errorf("remove %s: %w", id, err)
	}
	activeContainers.Dec()
	return nil
}

// Info pings the daemon.
func (b *Backend) Info(ctx context.Context) (backend.EngineInfo, error) {
	ping, err := b.api.Ping(ctx)
	if err != nil {
		return backend.EngineInfo{}, fmt.Errorf("ping docker: %w", err)
	}
	return backend.EngineInfo{
		Name:       BackendName,
		APIVersion: ping.APIVersion,
		OSType:     ping.OSType,
	}, nil
}

// Close closes the Docker client.
func (b *Backend) Close() error {
	return b.api.Close()
}

// translateSpec maps a backend.ContainerSpec onto Docker create parameters.
func translateSpec(spec backend.ContainerSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           spec.Image,
		Env:             envList(spec.Env),
		Hostname:        spec.Hostname,
		NetworkDisabled: spec.NetworkDisabled,
		Tty:             spec.Tty,
	}
	if len(spec.Entrypoint) > 0 {
		cfg.Entrypoint = strslice.StrSlice(spec.Entrypoint)
	}

	hostCfg := &container.HostConfig{
		Binds:      binds(spec.Mounts),
		Privileged: spec.Privileged,
		IpcMode:    container.IpcMode(spec.IpcMode),
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemorySwapBytes,
			CPUPeriod:  spec.CPUPeriod,
			CPUQuota:   spec.CPUQuota,
		},
	}
	if len(spec.CapAdd) > 0 {
		hostCfg.CapAdd = strslice.StrSlice(spec.CapAdd)
	}
	return cfg, hostCfg
}

func translateState(st *container.State) backend.ContainerState {
	out := backend.ContainerState{
		Status:    string(st.Status),
		Running:   st.Running,
		OOMKilled: st.OOMKilled,
		ExitCode:  st.ExitCode,
		Error:     st.Error,
	}
	if t, err := time.Parse(time.RFC3339Nano, st.StartedAt); err == nil {
		out.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, st.FinishedAt); err == nil {
		out.FinishedAt = t
	}
	return out
}

// envList renders env as KEY=VALUE pairs sorted by key.
func envList(env map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func binds(mounts []backend.Mount) []string {
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		out = append(out, m.Source+":"+m.Target+":"+mode)
	}
	return out
}

// containerName builds a unique, Docker-valid container name.
func containerName(prefix, name string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	name = strings.Trim(invalidNameChars.ReplaceAllString(name, "-"), "-.")
	if name == "" {
		return prefix + "-" + suffix
	}
	return prefix + "-" + name + "-" + suffix
}

func readLogs(r io.Reader, tty bool) ([]byte, error) {
	if tty {
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read logs: %w", err)
		}
		return out, nil
	}
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, r); err != nil {
		return nil, fmt.Errorf("demultiplex logs: %w", err)
	}
	return buf.Bytes(), nil
}

// isNotFoundMessage reports whether a pull progress error says the image
// does not exist in the registry.
func isNotFoundMessage(err error) bool {
	var jerr *jsonmessage.JSONError
	msg := err.Error()
	if errors.As(err, &jerr) {
		msg = jerr.Message
	}
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "manifest unknown") ||
		strings.Contains(msg, "repository does not exist")
}
