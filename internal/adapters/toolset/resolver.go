package toolset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manthysbr/solution-packager/internal/core/domain"
	"github.com/manthysbr/solution-packager/internal/core/ports"
)

// LinkName is the workspace entry that points at the shared toolset when
// linking is enabled.
const LinkName = "Tools"

type Config struct {
	Dir         string // shared, read-only toolset checkout
	Interpreter string
	Script      string // relative to Dir
	WorkDir     string // relative to Dir
	// LinkIntoWorkspace exposes Dir as <workspace>/Tools and resolves the
	// script through that link.
	LinkIntoWorkspace bool
}

// Resolver maps a workspace onto the packaging toolset on local disk.
type Resolver struct {
	cfg Config
}

var _ ports.ToolsetResolver = (*Resolver)(nil)

func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Dir == "" || !filepath.IsAbs(cfg.Dir) {
		return nil, fmt.Errorf("toolset dir must be an absolute path, got %q", cfg.Dir)
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = "pwsh"
	}
	for _, rel := range []string{cfg.Script, cfg.WorkDir} {
		if !filepath.IsLocal(rel) && rel != "" {
			return nil, fmt.Errorf("toolset path %q must be relative to the toolset dir", rel)
		}
	}
	if cfg.Script == "" {
		return nil, errors.New("toolset script is required")
	}
	cfg.Dir = filepath.Clean(cfg.Dir)
	return &Resolver{cfg: cfg}, nil
}

// Resolve checks that the script exists and, if configured, links the
// toolset into workspaceRoot.
func (r *Resolver) Resolve(workspaceRoot string) (domain.Toolset, error) {
	script := filepath.Join(r.cfg.Dir, r.cfg.Script)
	info, err := os.Stat(script)
	if err != nil {
		return domain.Toolset{}, fmt.Errorf("packaging script not found: %w", err)
	}
	if !info.Mode().IsRegular() {
		return domain.Toolset{}, fmt.Errorf("packaging script %s is not a regular file", script)
	}

	base := r.cfg.Dir
	if r.cfg.LinkIntoWorkspace {
		link := filepath.Join(workspaceRoot, LinkName)
		if err := os.Symlink(r.cfg.Dir, link); err != nil {
			return domain.Toolset{}, fmt.Errorf("failed to link toolset into workspace: %w", err)
		}
		base = link
	}

	return domain.Toolset{
		Interpreter: r.cfg.Interpreter,
		Script:      filepath.Join(base, r.cfg.Script),
		WorkDir:     filepath.Join(base, r.cfg.WorkDir),
		Root:        r.cfg.Dir,
	}, nil
}

// ScriptPath is the script location on the host.
func (r *Resolver) ScriptPath() string {
	return filepath.Join(r.cfg.Dir, r.cfg.Script)
}

// Describe is used for startup logging.
func (r *Resolver) Describe() string {
	return r.cfg.Interpreter + " " + r.ScriptPath()
}
