package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/manthysbr/solution-packager/internal/core/domain"
	"github.com/manthysbr/solution-packager/internal/core/ports"
)

const (
	inputArchiveName  = "input.zip"
	resultArchiveName = "result.zip"
	resultDisplayName = "deployable-template.zip"

	defaultToolPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// PackagingConfig holds the knobs of a packaging pass.
type PackagingConfig struct {
	ToolTimeout time.Duration
	// ConsumeResult removes a job as soon as its result has been handed out.
	ConsumeResult bool
	// PassEnv names host environment variables forwarded to the tool.
	PassEnv []string
}

// Submission is what a caller gets back for an accepted archive. The
// token is not stored anywhere and cannot be recovered later.
type Submission struct {
	JobID  domain.JobID
	Token  string
	Status domain.JobStatus
}

// ResultFile is an open handle on a completed job's archive.
type ResultFile struct {
	*os.File
	Name string
	Size int64
}

// PackagingLifecycle owns the job flow from submission to result fetch and
// runs the single packaging worker.
type PackagingLifecycle struct {
	logger      *slog.Logger
	cfg         PackagingConfig
	scheduler   *JobScheduler
	registry    *JobRegistry
	workspaces  *WorkspaceManager
	credentials *CredentialManager
	validator   *ArchiveValidator
	runner      ports.ToolRunner
	toolset     ports.ToolsetResolver
	eventBus    *EventBus
	metrics     ports.Metrics
	now         func() time.Time
}

func NewPackagingLifecycle(
	logger *slog.Logger,
	cfg PackagingConfig,
	scheduler *JobScheduler,
	registry *JobRegistry,
	workspaces *WorkspaceManager,
	credentials *CredentialManager,
	validator *ArchiveValidator,
	runner ports.ToolRunner,
	toolset ports.ToolsetResolver,
	eventBus *EventBus,
	metrics ports.Metrics,
) *PackagingLifecycle {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 120 * time.Second
	}
	return &PackagingLifecycle{
		logger:      logger,
		cfg:         cfg,
		scheduler:   scheduler,
		registry:    registry,
		workspaces:  workspaces,
		credentials: credentials,
		validator:   validator,
		runner:      runner,
		toolset:     toolset,
		eventBus:    eventBus,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Reserve takes a queue slot for an upload that is about to be read.
func (s *PackagingLifecycle) Reserve() (*Reservation, error) {
	r, err := s.scheduler.Reserve()
	if err != nil {
		s.metrics.SubmissionRejected("queue_full")
		return nil, err
	}
	return r, nil
}

// SubmitArchive validates data and, only if it passes, gives it a
// workspace and queues it in the reserved slot. The reservation is
// cancelled on every error path.
func (s *PackagingLifecycle) SubmitArchive(r *Reservation, data []byte) (Submission, error) {
	committed := false
	defer func() {
		if !committed {
			r.Cancel()
		}
	}()

	if err := s.validator.Validate(data); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			s.metrics.SubmissionRejected(string(verr.Kind))
		}
		s.logger.Info("archive rejected", "error", err)
		return Submission{}, err
	}

	token, digest, err := s.credentials.Issue()
	if err != nil {
		return Submission{}, err
	}

	ws, err := s.workspaces.Allocate()
	if err != nil {
		return Submission{}, err
	}
	if _, err := ws.WriteFile(inputArchiveName, data); err != nil {
		_ = ws.Release()
		return Submission{}, err
	}

	job := domain.Job{
		ID:               domain.NewJobID(),
		CredentialDigest: digest,
		CreatedAt:        s.now(),
	}
	if err := s.registry.Insert(job, ws); err != nil {
		_ = ws.Release()
		return Submission{}, err
	}

	r.Commit(job.ID)
	committed = true

	s.metrics.JobSubmitted()
	s.metrics.QueueDepth(s.scheduler.Depth())
	s.publishStatus(job.ID, domain.JobStatusQueued, "")
	s.logger.Info("job submitted", "job_id", job.ID, "size", len(data))

	return Submission{JobID: job.ID, Token: token, Status: domain.JobStatusQueued}, nil
}

// Authorize resolves a client supplied id and bearer token to a job.
// Unknown or malformed ids give ErrJobNotFound, any token problem ErrForbidden.
func (s *PackagingLifecycle) Authorize(rawID, token string) (domain.Job, error) {
	id, err := domain.ParseJobID(rawID)
	if err != nil {
		return domain.Job{}, err
	}
	job, err := s.registry.Get(id)
	if err != nil {
		return domain.Job{}, err
	}
	if token == "" || !s.credentials.Verify(job.CredentialDigest, token) {
		return domain.Job{}, domain.ErrForbidden
	}
	return job, nil
}

// OpenResult hands out the result archive of a completed job. With
// ConsumeResult set only the first caller gets it and the job is removed;
// the open handle stays readable after the workspace is deleted.
func (s *PackagingLifecycle) OpenResult(rawID, token string) (*ResultFile, error) {
	job, err := s.Authorize(rawID, token)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, fmt.Errorf("%w (status: %s)", domain.ErrJobNotCompleted, job.Status)
	}

	f, err := os.Open(job.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("result file not found: %w", domain.ErrJobNotFound)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("result file not found: %w", domain.ErrJobNotFound)
	}

	if s.cfg.ConsumeResult {
		removed, err := s.registry.Remove(job.ID)
		if err != nil {
			s.logger.Warn("workspace cleanup failed", "job_id", job.ID, "error", err)
		}
		if !removed {
			_ = f.Close()
			return nil, domain.ErrJobNotFound
		}
		s.logger.Info("result consumed", "job_id", job.ID)
	}

	return &ResultFile{File: f, Name: job.ResultName, Size: info.Size()}, nil
}

// Subscribe streams status events of a job the caller is authorized for.
func (s *PackagingLifecycle) Subscribe(rawID, token string) (domain.Job, <-chan StatusEvent, func(), error) {
	job, err := s.Authorize(rawID, token)
	if err != nil {
		return domain.Job{}, nil, nil, err
	}
	ch, unsub := s.eventBus.Subscribe(job.ID)
	// Re-read so a transition between Authorize and Subscribe is not lost.
	current, err := s.registry.Get(job.ID)
	if err != nil {
		unsub()
		return domain.Job{}, nil, nil, err
	}
	return current, ch, unsub, nil
}

// Run drains the queue until ctx is cancelled.
func (s *PackagingLifecycle) Run(ctx context.Context) error {
	s.scheduler.Run(ctx, s.executeJob)
	return nil
}

// Shutdown removes every remaining job and its workspace.
func (s *PackagingLifecycle) Shutdown() {
	n := s.registry.Drain()
	s.logger.Info("registry drained", "jobs", n)
}

func (s *PackagingLifecycle) publishStatus(id domain.JobID, status domain.JobStatus, errMsg string) {
	s.eventBus.Publish(StatusEvent{
		JobID:  id,
		Status: status,
		Error:  errMsg,
		At:     s.now(),
	})
}

// executeJob is the callback for the scheduler
func (s *PackagingLifecycle) executeJob(ctx context.Context, id domain.JobID) {
	s.metrics.QueueDepth(s.scheduler.Depth())

	_, ws, err := s.registry.Claim(id)
	if err != nil {
		// Expired while queued.
		s.logger.Warn("skipping job", "job_id", id, "error", err)
		return
	}
	started := s.now()
	s.logger.Info("executing job", "job_id", id)
	s.publishStatus(id, domain.JobStatusRunning, "")

	resultPath, err := s.process(ctx, id, ws)
	if err != nil {
		s.failJob(id, err, started)
		return
	}

	if err := s.registry.Complete(id, resultPath, resultDisplayName); err != nil {
		s.logger.Warn("could not record job completion", "job_id", id, "error", err)
		return
	}
	s.metrics.JobFinished(domain.JobStatusCompleted, s.now().Sub(started))
	s.publishStatus(id, domain.JobStatusCompleted, "")
	s.logger.Info("job completed", "job_id", id, "duration", s.now().Sub(started).String())
}

// process runs one packaging pass against the job's own workspace handle.
// Panics are turned into errors so the worker loop survives them.
func (s *PackagingLifecycle) process(ctx context.Context, id domain.JobID, ws *Workspace) (resultPath string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("packaging panicked", "job_id", id, "panic", r)
			err = fmt.Errorf("internal error while packaging: %v", r)
		}
	}()
	defer s.releaseIntermediates(id, ws)

	input := ws.Join(inputArchiveName)
	extracted := ws.Join("extracted")
	if err := extractArchive(input, extracted, s.validator.limits); err != nil {
		return "", fmt.Errorf("extraction failed: %w", err)
	}
	if err := os.Remove(input); err != nil {
		s.logger.Warn("failed to remove input archive", "job_id", id, "error", err)
	}

	root, err := findSolutionRoot(extracted)
	if err != nil {
		return "", err
	}
	layout, err := materializeSolution(root, extracted, ws.Join("Solutions"))
	if err != nil {
		return "", err
	}

	toolset, err := s.toolset.Resolve(ws.path)
	if err != nil {
		return "", fmt.Errorf("packaging toolset unavailable: %w", err)
	}
	inv, err := s.invocation(toolset, layout, ws)
	if err != nil {
		return "", err
	}

	toolCtx, cancel := context.WithTimeout(ctx, s.cfg.ToolTimeout)
	defer cancel()
	toolStarted := time.Now()
	res, err := s.runner.Run(toolCtx, inv)
	if err != nil {
		if errors.Is(err, domain.ErrToolTimeout) {
			s.metrics.ToolRun(-1, time.Since(toolStarted))
			return "", fmt.Errorf("job timed out after %s", s.cfg.ToolTimeout)
		}
		return "", fmt.Errorf("failed to run packaging tool: %w", err)
	}
	s.metrics.ToolRun(res.ExitCode, time.Since(toolStarted))
	s.logger.Info("packaging tool finished", "job_id", id, "exit_code", res.ExitCode, "duration", time.Since(toolStarted).String())

	if res.ExitCode != 0 {
		return "", fmt.Errorf("packaging tool failed (exit %d):\n%s", res.ExitCode, joinOutput(res))
	}

	template, err := locateTemplate(layout, ws.path)
	if err != nil {
		if errors.Is(err, errTemplateNotFound) {
			return "", fmt.Errorf("%w\nScript output:\n%s", err, strings.TrimSpace(res.Stdout))
		}
		return "", err
	}

	resultPath = ws.Join(resultArchiveName)
	if err := bundleResult(template, resultPath); err != nil {
		return "", err
	}
	return resultPath, nil
}

func (s *PackagingLifecycle) invocation(toolset domain.Toolset, layout solutionLayout, ws *Workspace) (domain.ToolInvocation, error) {
	tmp := ws.Join("tmp")
	if err := os.MkdirAll(tmp, dirPerm); err != nil {
		return domain.ToolInvocation{}, fmt.Errorf("failed to create tool temp dir: %w", err)
	}

	env := []string{
		"PATH=" + defaultToolPath,
		"HOME=" + ws.path,
		"TMPDIR=" + tmp,
		"LANG=C.UTF-8",
		"POWERSHELL_TELEMETRY_OPTOUT=1",
		"DOTNET_CLI_TELEMETRY_OPTOUT=1",
	}
	for _, name := range s.cfg.PassEnv {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}

	mounts := []domain.Mount{{Path: ws.path}}
	if toolset.Root != "" {
		mounts = append(mounts, domain.Mount{Path: toolset.Root, ReadOnly: true})
	}

	return domain.ToolInvocation{
		Command: toolset.Interpreter,
		Args: []string{
			"-NoProfile", "-NonInteractive",
			"-File", toolset.Script,
			"-SolutionDataFolderPath", layout.DataDir,
			"-VersionMode", "local",
		},
		Dir:    toolset.WorkDir,
		Env:    env,
		Mounts: mounts,
	}, nil
}

// releaseIntermediates deletes everything in the workspace except the
// result archive. Links (such as a toolset link) are removed, not followed.
func (s *PackagingLifecycle) releaseIntermediates(id domain.JobID, ws *Workspace) {
	entries, err := os.ReadDir(ws.path)
	if err != nil {
		s.logger.Warn("failed to list workspace", "job_id", id, "error", err)
		return
	}
	for _, e := range entries {
		if e.Name() == resultArchiveName {
			continue
		}
		if err := os.RemoveAll(ws.Join(e.Name())); err != nil {
			s.logger.Warn("failed to remove intermediate files", "job_id", id, "path", e.Name(), "error", err)
		}
	}
}

func (s *PackagingLifecycle) failJob(id domain.JobID, err error, started time.Time) {
	s.logger.Error("job failed", "job_id", id, "error", err)

	msg := err.Error()
	if ferr := s.registry.Fail(id, msg); ferr != nil {
		s.logger.Warn("could not record job failure", "job_id", id, "error", ferr)
		return
	}
	s.metrics.JobFinished(domain.JobStatusFailed, s.now().Sub(started))
	s.publishStatus(id, domain.JobStatusFailed, msg)
}

func joinOutput(res domain.ToolResult) string {
	return strings.TrimSpace(strings.TrimSpace(res.Stdout) + "\n" + strings.TrimSpace(res.Stderr))
}
