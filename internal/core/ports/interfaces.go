package ports

import (
	"context"
	"time"

	"github.com/manthysbr/solution-packager/internal/core/domain"
)

// ToolRunner abstracts how the external packaging tool is executed
// (local process, container, ...).
type ToolRunner interface {
	// Run executes the invocation and waits for it to exit.
	// A non-zero exit is reported in ToolResult, not as an error.
	// When ctx expires the process is killed and domain.ErrToolTimeout is returned.
	Run(ctx context.Context, inv domain.ToolInvocation) (domain.ToolResult, error)
}

// ToolsetResolver bridges a job workspace to the shared packaging toolset.
type ToolsetResolver interface {
	// Resolve prepares workspaceRoot for a tool run and returns where the
	// tool lives. It must not modify the shared toolset.
	Resolve(workspaceRoot string) (domain.Toolset, error)
}

// Metrics records service level counters and histograms.
type Metrics interface {
	JobSubmitted()
	SubmissionRejected(reason string)
	JobFinished(status domain.JobStatus, elapsed time.Duration)
	ToolRun(exitCode int, elapsed time.Duration)
	QueueDepth(depth int)
	JobsEvicted(count int)
	ObserveRequest(method, route string, code int, elapsed time.Duration)
}
