package services

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

const (
	dirPerm  os.FileMode = 0o700
	filePerm os.FileMode = 0o600
)

type WorkspaceManager struct {
	baseDir string
}

// NewWorkspaceManager roots all job workspaces under baseDir (os.TempDir when empty).
func NewWorkspaceManager(baseDir string) (*WorkspaceManager, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if err := os.MkdirAll(baseDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create workspace base dir: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace base dir: %w", err)
	}
	return &WorkspaceManager{baseDir: abs}, nil
}

// Allocate creates a fresh owner-only directory. Names come from
// os.MkdirTemp so two jobs can never share one.
func (s *WorkspaceManager) Allocate() (*Workspace, error) {
	path, err := os.MkdirTemp(s.baseDir, "packager-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := os.Chmod(path, dirPerm); err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("failed to chmod workspace: %w", err)
	}
	return &Workspace{path: path}, nil
}

// BaseDir returns the directory all workspaces live under.
func (s *WorkspaceManager) BaseDir() string {
	return s.baseDir
}

// Workspace is the exclusive on-disk tree of one job.
type Workspace struct {
	path     string
	once     sync.Once
	released atomic.Bool
	err      error
}

// Path returns the workspace root, or "" once released.
func (w *Workspace) Path() string {
	if w == nil || w.released.Load() {
		return ""
	}
	return w.path
}

// Join builds a path inside the workspace.
func (w *Workspace) Join(elem ...string) string {
	return filepath.Join(append([]string{w.path}, elem...)...)
}

// Release removes the whole tree. Only the first call does any work;
// a tree that is already gone is not an error.
func (w *Workspace) Release() error {
	if w == nil {
		return nil
	}
	w.once.Do(func() {
		w.released.Store(true)
		if err := os.RemoveAll(w.path); err != nil && !os.IsNotExist(err) {
			w.err = fmt.Errorf("failed to remove workspace %s: %w", w.path, err)
		}
	})
	return w.err
}

func (w *Workspace) Released() bool {
	return w == nil || w.released.Load()
}

// WriteFile writes data under the workspace with owner-only permissions.
func (w *Workspace) WriteFile(rel string, data []byte) (string, error) {
	dst := w.Join(rel)
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create parent of %s: %w", rel, err)
	}
	if err := os.WriteFile(dst, data, filePerm); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return dst, nil
}
