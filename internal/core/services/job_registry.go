package services

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/manthysbr/solution-packager/internal/core/domain"
)

type jobRecord struct {
	job       domain.Job
	workspace *Workspace
}

// JobRegistry is the in-memory source of truth for job state.
// Every mutation is a single step under one lock; callers only ever see copies.
type JobRegistry struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	jobs map[domain.JobID]*jobRecord
}

func NewJobRegistry(logger *slog.Logger) *JobRegistry {
	return &JobRegistry{
		logger: logger,
		now:    time.Now,
		jobs:   make(map[domain.JobID]*jobRecord),
	}
}

// Insert records a new queued job that owns ws.
func (r *JobRegistry) Insert(job domain.Job, ws *Workspace) error {
	if ws == nil || ws.Released() {
		return fmt.Errorf("job %s: workspace is required", job.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already registered", job.ID)
	}
	job.Status = domain.JobStatusQueued
	job.WorkspacePath = ws.Path()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now()
	}
	job.UpdatedAt = job.CreatedAt
	r.jobs[job.ID] = &jobRecord{job: job, workspace: ws}
	return nil
}

// Get returns a snapshot of the job.
func (r *JobRegistry) Get(id domain.JobID) (domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return snapshot(rec), nil
}

// Claim moves a queued job to running and hands the caller the workspace
// handle, which stays valid for the caller even if the entry is removed later.
func (r *JobRegistry) Claim(id domain.JobID) (domain.Job, *Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, nil, domain.ErrJobNotFound
	}
	if err := r.transition(rec, domain.JobStatusRunning); err != nil {
		return domain.Job{}, nil, err
	}
	return snapshot(rec), rec.workspace, nil
}

// Complete marks a running job completed with its result archive.
func (r *JobRegistry) Complete(id domain.JobID, resultPath, resultName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if err := r.transition(rec, domain.JobStatusCompleted); err != nil {
		return err
	}
	rec.job.ResultPath = resultPath
	rec.job.ResultName = resultName
	return nil
}

// Fail marks a queued or running job failed.
func (r *JobRegistry) Fail(id domain.JobID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if err := r.transition(rec, domain.JobStatusFailed); err != nil {
		return err
	}
	rec.job.Error = &message
	return nil
}

func (r *JobRegistry) transition(rec *jobRecord, next domain.JobStatus) error {
	if !rec.job.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, rec.job.Status, next)
	}
	rec.job.Status = next
	rec.job.UpdatedAt = r.now()
	return nil
}

// Remove deletes the entry and releases its workspace. It reports whether
// this call was the one that removed it.
func (r *JobRegistry) Remove(id domain.JobID) (bool, error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if ok {
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, rec.workspace.Release()
}

// RemoveExpired removes the entry only if it is still expired as of cutoff
// and not running. The check and the delete happen under one lock, so a job
// claimed after Expired listed it is kept.
func (r *JobRegistry) RemoveExpired(id domain.JobID, cutoff time.Time) (bool, error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if ok && (rec.job.Status == domain.JobStatusRunning || !rec.job.CreatedAt.Before(cutoff)) {
		ok = false
	}
	if ok {
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, rec.workspace.Release()
}

// Expired lists jobs created before cutoff. Running jobs are left alone
// until they reach a terminal state.
func (r *JobRegistry) Expired(cutoff time.Time) []domain.JobID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []domain.JobID
	for id, rec := range r.jobs {
		if rec.job.Status == domain.JobStatusRunning {
			continue
		}
		if rec.job.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Drain removes every job. Used at shutdown.
func (r *JobRegistry) Drain() int {
	r.mu.Lock()
	recs := r.jobs
	r.jobs = make(map[domain.JobID]*jobRecord)
	r.mu.Unlock()

	for id, rec := range recs {
		if err := rec.workspace.Release(); err != nil {
			r.logger.Warn("workspace cleanup failed", "job_id", id, "error", err)
		}
	}
	return len(recs)
}

func (r *JobRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func snapshot(rec *jobRecord) domain.Job {
	job := rec.job
	job.WorkspacePath = rec.workspace.Path()
	if job.Error != nil {
		msg := *job.Error
		job.Error = &msg
	}
	return job
}
