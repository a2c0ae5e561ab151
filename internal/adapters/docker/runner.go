package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/manthysbr/solution-packager/internal/adapters/capture"
	"github.com/manthysbr/solution-packager/internal/core/domain"
	"github.com/manthysbr/solution-packager/internal/core/ports"
)

const defaultOutputLimit = 64 << 10

// Config describes the sandbox container the tool runs in.
type Config struct {
	Image       string
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	OutputLimit int
}

// Runner executes the packaging tool inside a throwaway container. Mounts
// are bound at the same path they have on the host so every path in the
// invocation stays valid.
type Runner struct {
	logger *slog.Logger
	cli    *client.Client
	cfg    Config
}

var _ ports.ToolRunner = (*Runner)(nil)

// NewRunner creates a new Docker backed tool runner
func NewRunner(logger *slog.Logger, cfg Config) (*Runner, error) {
	if cfg.Image == "" {
		return nil, errors.New("docker runner requires an image")
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = defaultOutputLimit
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runner{logger: logger, cli: cli, cfg: cfg}, nil
}

func (r *Runner) Close() error {
	return r.cli.Close()
}

func (r *Runner) Run(ctx context.Context, inv domain.ToolInvocation) (domain.ToolResult, error) {
	cfg, hostCfg := r.containerConfig(inv)
	name := "packager-tool-" + uuid.New().String()

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		if pullErr := r.pull(ctx); pullErr != nil {
			return domain.ToolResult{}, pullErr
		}
		resp, err = r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return domain.ToolResult{}, r.wrap(ctx, fmt.Errorf("failed to create container: %w", err))
	}

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Warn("failed to remove tool container", "container_id", resp.ID, "error", err)
		}
	}()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return domain.ToolResult{}, r.wrap(ctx, fmt.Errorf("failed to start container: %w", err))
	}

	res := domain.ToolResult{ExitCode: -1}
	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			r.kill(resp.ID)
			res.Stdout, res.Stderr = r.logs(resp.ID)
			return res, r.wrap(ctx, err)
		}
		return res, fmt.Errorf("failed to wait for container: %w", err)
	case st := <-statusCh:
		if st.Error != nil {
			return res, fmt.Errorf("container wait error: %s", st.Error.Message)
		}
		res.ExitCode = int(st.StatusCode)
	}

	res.Stdout, res.Stderr = r.logs(resp.ID)
	return res, nil
}

func (r *Runner) containerConfig(inv domain.ToolInvocation) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           r.cfg.Image,
		Entrypoint:      []string{inv.Command},
		Cmd:             inv.Args,
		Env:             inv.Env,
		WorkingDir:      inv.Dir,
		User:            fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		NetworkDisabled: true,
		Labels: map[string]string{
			"packager.managed": "true",
		},
	}

	mounts := make([]mount.Mount, 0, len(inv.Mounts))
	for _, m := range inv.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Path,
			Target:   m.Path,
			ReadOnly: m.ReadOnly,
		})
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		Mounts:         mounts,
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
		Resources: container.Resources{
			Memory:   r.cfg.MemoryBytes,
			NanoCPUs: r.cfg.NanoCPUs,
		},
	}
	if r.cfg.PidsLimit > 0 {
		limit := r.cfg.PidsLimit
		hostCfg.Resources.PidsLimit = &limit
	}
	return cfg, hostCfg
}

func (r *Runner) pull(ctx context.Context) error {
	r.logger.Info("pulling tool image", "image", r.cfg.Image)
	reader, err := r.cli.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return r.wrap(ctx, fmt.Errorf("failed to pull image %s: %w", r.cfg.Image, err))
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *Runner) kill(id string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.cli.ContainerKill(killCtx, id, "KILL"); err != nil && !client.IsErrNotFound(err) {
		r.logger.Warn("failed to kill tool container", "container_id", id, "error", err)
	}
}

func (r *Runner) logs(id string) (string, string) {
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := r.cli.ContainerLogs(logCtx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		r.logger.Warn("failed to read tool logs", "container_id", id, "error", err)
		return "", ""
	}
	defer rc.Close()

	stdout := capture.NewBuffer(r.cfg.OutputLimit)
	stderr := capture.NewBuffer(r.cfg.OutputLimit)
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		r.logger.Warn("failed to demultiplex tool logs", "container_id", id, "error", err)
	}
	return stdout.String(), stderr.String()
}

// wrap reports a deadline as domain.ErrToolTimeout.
func (r *Runner) wrap(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ErrToolTimeout
	}
	return err
}
