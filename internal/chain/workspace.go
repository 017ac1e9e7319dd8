package chain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// workspacePrefix names workspace directories on the host.
const workspacePrefix = "chainlink-"

// Seed is the initial content of a workspace, keyed by path relative to the
// workspace root.
type Seed map[string][]byte

// Validate rejects paths that are absolute or escape the workspace.
func (s Seed) Validate() error {
	for p := range s {
		if _, err := seedPath(p); err != nil {
			return &ValidationError{Stage: -1, Field: "files", Message: err.Error()}
		}
	}
	return nil
}

func seedPath(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return "", fmt.Errorf("path %q must be relative", p)
	}
	clean := filepath.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return clean, nil
}

// Workspace is a host scratch directory shared by all stages of one run.
// It is world-writable so that stages running as any user can write to it.
type Workspace struct {
	Path string

	once       sync.Once
	releaseErr error
}

// AcquireWorkspace creates a fresh, uniquely named workspace under parent.
// An empty parent selects the system temporary directory.
func AcquireWorkspace(parent string) (*Workspace, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	dir := filepath.Join(parent, workspacePrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	// Mkdir is subject to the umask.
	if err := os.Chmod(dir, 0o777); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("chmod workspace: %w", err)
	}
	return &Workspace{Path: dir}, nil
}

// Seed writes files into the workspace. Files are world-writable.
func (w *Workspace) Seed(files Seed) error {
	for p, data := range files {
		rel, err := seedPath(p)
		if err != nil {
			return &ValidationError{Stage: -1, Field: "files", Message: err.Error()}
		}
		dst := filepath.Join(w.Path, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
			return fmt.Errorf("seed %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, data, 0o666); err != nil {
			return fmt.Errorf("seed %s: %w", rel, err)
		}
		if err := os.Chmod(dst, 0o666); err != nil {
			return fmt.Errorf("seed %s: %w", rel, err)
		}
	}
	return nil
}

// Release deletes the workspace and everything in it. Only the first call
// has an effect.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.Path); err != nil {
			w.releaseErr = fmt.Errorf("remove workspace: %w", err)
		}
	})
	return w.releaseErr
}
