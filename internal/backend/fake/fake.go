// Package fake provides an in-memory container engine. Containers do not run
// real processes: their entrypoint is interpreted by a small command set so
// that pipelines can be exercised without a Docker daemon.
//
// Supported commands:
//
//	env                 print the container environment, one KEY=VALUE per line
//	sleep SECONDS       run for the given (fractional) number of seconds
//	exit CODE           exit with the given code
//	true | false        exit 0 | exit 1
//	echo ARGS...        print ARGS to stdout
//	warn ARGS...        print ARGS to stderr
//	write PATH TEXT...  write TEXT to PATH, resolving mount targets to host paths
//	cat PATH            print the file at PATH, exit 1 if it does not exist
//
// Several commands can be chained with "&&" as separate arguments, e.g.
// []string{"write", "/job/a", "x", "&&", "sleep", "1"}.
package fake

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/chainlink/internal/backend"
)

// EngineName is reported by Info.
const EngineName = "fake"

// exitKilled is the exit code reported for containers stopped by Kill (128 + SIGKILL).
const exitKilled = 137

// Image describes how the fake registry and local store treat an image.
type Image struct {
	// Remote marks the image as pullable from the registry.
	Remote bool
	// Local marks the image as already present in the local store.
	Local bool
	// PullErr, when set, is returned by PullImage instead of the registry lookup.
	PullErr error
}

type container struct {
	id      string
	spec    backend.ContainerSpec
	state   backend.ContainerState
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	done    chan struct{}
	stop    chan struct{}
	stopped bool
}

// Backend is an in-memory implementation of backend.Backend.
type Backend struct {
	mu         sync.Mutex
	images     map[string]Image
	pulled     []string
	containers map[string]*container
	nextID     int
	running    int
	maxRunning int
	created    []backend.ContainerSpec
	killed     []string
	removed    []string
	runErr     error
	closed     bool
}

// New creates an empty fake engine. Images must be registered with AddImage
// before they can be pulled or inspected.
func New() *Backend {
	return &Backend{
		images:     make(map[string]Image),
		containers: make(map[string]*container),
	}
}

// AddImage registers an image with the fake registry and local store.
func (b *Backend) AddImage(ref string, img Image) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.images[ref] = img
}

// FailRun makes every subsequent Run call fail with err.
func (b *Backend) FailRun(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runErr = err
}

// PullImage implements backend.Backend.
func (b *Backend) PullImage(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pulled = append(b.pulled, ref)

	img, ok := b.images[ref]
	if ok && img.PullErr != nil {
		return img.PullErr
	}
	if !ok || !img.Remote {
		return fmt.Errorf("pull %s: %w", ref, backend.ErrImageNotFound)
	}
	img.Local = true
	b.images[ref] = img
	return nil
}

// InspectImage implements backend.Backend.
func (b *Backend) InspectImage(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if img, ok := b.images[ref]; !ok || !img.Local {
		return fmt.Errorf("inspect %s: %w", ref, backend.ErrImageNotFound)
	}
	return nil
}

// Run implements backend.Backend.
func (b *Backend) Run(ctx context.Context, spec backend.ContainerSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.runErr != nil {
		return "", b.runErr
	}
	if img, ok := b.images[spec.Image]; !ok || !img.Local {
		return "", fmt.Errorf("create container from %s: %w", spec.Image, backend.ErrImageNotFound)
	}

	b.nextID++
	c := &container{
		id:   fmt.Sprintf("fake-%04d", b.nextID),
		spec: spec,
		done: make(chan struct{}),
		stop: make(chan struct{}),
		state: backend.ContainerState{
			Status:    "running",
			Running:   true,
			StartedAt: time.Now().UTC(),
		},
	}
	b.containers[c.id] = c
	b.created = append(b.created, spec)
	b.running++
	b.maxRunning = max(b.maxRunning, b.running)

	go b.execute(c)
	return c.id, nil
}

// execute interprets the container entrypoint until it finishes or is killed.
func (b *Backend) execute(c *container) {
	code := b.interpret(c)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !c.stopped {
		b.finish(c, code)
	}
}

// finish records the terminal state. Callers hold b.mu.
func (b *Backend) finish(c *container, code int) {
	c.stopped = true
	c.state.Running = false
	c.state.Status = "exited"
	c.state.ExitCode = code
	c.state.FinishedAt = time.Now().UTC()
	b.running--
	close(c.done)
}

func (b *Backend) interpret(c *container) int {
	for _, cmd := range splitCommands(c.spec.Entrypoint) {
		code := b.runCommand(c, cmd)
		if code != 0 {
			return code
		}
	}
	return 0
}

func (b *Backend) runCommand(c *container, argv []string) int {
	if len(argv) == 0 {
		return 0
	}
	switch argv[0] {
	case "env":
		keys := make([]string, 0, len(c.spec.Env))
		for k := range c.spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.mu.Lock()
		for _, k := range keys {
			fmt.Fprintf(&c.stdout, "%s=%s\n", k, c.spec.Env[k])
		}
		fmt.Fprintf(&c.stdout, "HOSTNAME=%s\n", c.spec.Hostname)
		b.mu.Unlock()
	case "sleep":
		if len(argv) < 2 {
			return 1
		}
		secs, err := strconv.ParseFloat(argv[1], 64)
		if err != nil {
			return 1
		}
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
		case <-c.stop:
			return exitKilled
		}
	case "exit":
		if len(argv) < 2 {
			return 0
		}
		code, err := strconv.Atoi(argv[1])
		if err != nil {
			return 2
		}
		return code
	case "true":
	case "false":
		return 1
	case "echo":
		b.mu.Lock()
		fmt.Fprintln(&c.stdout, strings.Join(argv[1:], " "))
		b.mu.Unlock()
	case "warn":
		b.mu.Lock()
		fmt.Fprintln(&c.stderr, strings.Join(argv[1:], " "))
		b.mu.Unlock()
	case "write":
		if len(argv) < 2 {
			return 1
		}
		path, ok := hostPath(c.spec.Mounts, argv[1])
		if !ok {
			return 1
		}
		if err := os.WriteFile(path, []byte(strings.Join(argv[2:], " ")), 0o666); err != nil {
			b.mu.Lock()
			fmt.Fprintln(&c.stderr, err)
			b.mu.Unlock()
			return 1
		}
	case "cat":
		if len(argv) < 2 {
			return 1
		}
		path, ok := hostPath(c.spec.Mounts, argv[1])
		if !ok {
			return 1
		}
		data, err := os.ReadFile(path)
		b.mu.Lock()
		defer b.mu.Unlock()
		if err != nil {
			fmt.Fprintln(&c.stderr, err)
			return 1
		}
		c.stdout.Write(data)
	default:
		b.mu.Lock()
		fmt.Fprintf(&c.stderr, "%s: command not found\n", argv[0])
		b.mu.Unlock()
		return 127
	}
	return 0
}

// Wait implements backend.Backend.
func (b *Backend) Wait(ctx context.Context, id string) (int64, error) {
	c, err := b.lookup(id)
	if err != nil {
		return 0, err
	}
	select {
	case <-c.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return int64(c.state.ExitCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill implements backend.Backend.
func (b *Backend) Kill(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[id]
	if !ok {
		return fmt.Errorf("kill %s: %w", id, backend.ErrContainerNotFound)
	}
	if c.stopped {
		return fmt.Errorf("kill %s: container is not running", id)
	}
	b.killed = append(b.killed, id)
	close(c.stop)
	b.finish(c, exitKilled)
	return nil
}

// Inspect implements backend.Backend.
func (b *Backend) Inspect(_ context.Context, id string) (backend.ContainerState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[id]
	if !ok {
		return backend.ContainerState{}, fmt.Errorf("inspect %s: %w", id, backend.ErrContainerNotFound)
	}
	return c.state, nil
}

// Logs implements backend.Backend. Timestamps are ignored.
func (b *Backend) Logs(_ context.Context, id string, opts backend.LogOptions) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[id]
	if !ok {
		return nil, fmt.Errorf("logs %s: %w", id, backend.ErrContainerNotFound)
	}
	var out []byte
	if opts.Stdout {
		out = append(out, c.stdout.Bytes()...)
	}
	if opts.Stderr {
		out = append(out, c.stderr.Bytes()...)
	}
	return out, nil
}

// Remove implements backend.Backend.
func (b *Backend) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, backend.ErrContainerNotFound)
	}
	if !c.stopped {
		close(c.stop)
		b.finish(c, exitKilled)
	}
	delete(b.containers, id)
	b.removed = append(b.removed, id)
	return nil
}

// Info implements backend.Backend.
func (b *Backend) Info(_ context.Context) (backend.EngineInfo, error) {
	return backend.EngineInfo{Name: EngineName, APIVersion: "1.0", OSType: "linux"}, nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Pulled returns the image references passed to PullImage, in call order.
func (b *Backend) Pulled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.pulled)
}

// Created returns the specs of every container created so far.
func (b *Backend) Created() []backend.ContainerSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.created)
}

// Killed returns the IDs of containers stopped by Kill.
func (b *Backend) Killed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.killed)
}

// Removed returns the IDs of removed containers.
func (b *Backend) Removed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.removed)
}

// Live returns the number of containers that exist and have not been removed.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.containers)
}

// MaxRunning returns the highest number of simultaneously running containers observed.
func (b *Backend) MaxRunning() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxRunning
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) lookup(id string) (*container, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, backend.ErrContainerNotFound)
	}
	return c, nil
}

func splitCommands(argv []string) [][]string {
	var cmds [][]string
	start := 0
	for i, arg := range argv {
		if arg == "&&" {
			cmds = append(cmds, argv[start:i])
			start = i + 1
		}
	}
	return append(cmds, argv[start:])
}

// hostPath maps an in-container path onto the host through the bind mounts.
func hostPath(mounts []backend.Mount, p string) (string, bool) {
	p = filepath.Clean(p)
	for _, m := range mounts {
		if p == m.Target {
			return m.Source, true
		}
		rel, err := filepath.Rel(m.Target, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		return filepath.Join(m.Source, rel), true
	}
	return "", false
}
