package localexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/manthysbr/solution-packager/internal/adapters/capture"
	"github.com/manthysbr/solution-packager/internal/core/domain"
	"github.com/manthysbr/solution-packager/internal/core/ports"
)

const defaultOutputLimit = 64 << 10

// Runner executes the packaging tool as a direct child process.
type Runner struct {
	logger      *slog.Logger
	outputLimit int
	waitDelay   time.Duration
}

var _ ports.ToolRunner = (*Runner)(nil)

// NewRunner caps each captured stream at outputLimit bytes (64 KiB when <= 0).
func NewRunner(logger *slog.Logger, outputLimit int) *Runner {
	if outputLimit <= 0 {
		outputLimit = defaultOutputLimit
	}
	return &Runner{
		logger:      logger,
		outputLimit: outputLimit,
		waitDelay:   5 * time.Second,
	}
}

// Run starts inv.Command with inv.Args as argv. The environment is exactly
// inv.Env; nothing is inherited from the service process. On context expiry
// the whole process group is killed.
func (r *Runner) Run(ctx context.Context, inv domain.ToolInvocation) (domain.ToolResult, error) {
	if inv.Command == "" {
		return domain.ToolResult{}, errors.New("no command to run")
	}

	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append([]string{}, inv.Env...)
	cmd.WaitDelay = r.waitDelay
	configureProcessGroup(cmd)

	stdout := capture.NewBuffer(r.outputLimit)
	stderr := capture.NewBuffer(r.outputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Debug("starting tool", "command", inv.Command, "dir", inv.Dir)
	err := cmd.Run()

	res := domain.ToolResult{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, domain.ErrToolTimeout
		}
		return res, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to run %s: %w", inv.Command, err)
	}
	return res, nil
}
