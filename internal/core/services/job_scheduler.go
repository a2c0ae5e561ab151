package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/manthysbr/solution-packager/internal/core/domain"
	"golang.org/x/sync/semaphore"
)

// SchedulerConfig bounds the submission queue.
type SchedulerConfig struct {
	MaxQueuedJobs int64
}

// JobScheduler is a bounded FIFO of job ids drained by one consumer.
// A slot is taken when a submission starts and handed back when the job
// is dequeued, so in-flight uploads count against the limit too.
type JobScheduler struct {
	logger       *slog.Logger
	pendingQueue chan domain.JobID
	slots        *semaphore.Weighted
	capacity     int64
}

func NewJobScheduler(logger *slog.Logger, cfg SchedulerConfig) *JobScheduler {
	limit := cfg.MaxQueuedJobs
	if limit <= 0 {
		limit = 20
	}

	return &JobScheduler{
		logger:       logger,
		pendingQueue: make(chan domain.JobID, limit),
		slots:        semaphore.NewWeighted(limit),
		capacity:     limit,
	}
}

// Reserve claims a queue slot without blocking. It fails with
// domain.ErrQueueFull when every slot is taken.
func (s *JobScheduler) Reserve() (*Reservation, error) {
	if !s.slots.TryAcquire(1) {
		return nil, domain.ErrQueueFull
	}
	return &Reservation{scheduler: s}, nil
}

// Depth is the number of jobs waiting to be picked up.
func (s *JobScheduler) Depth() int {
	return len(s.pendingQueue)
}

func (s *JobScheduler) Capacity() int64 {
	return s.capacity
}

// Run hands queued ids to handler one at a time, in submission order,
// until ctx is cancelled.
func (s *JobScheduler) Run(ctx context.Context, handler func(context.Context, domain.JobID)) {
	s.logger.Info("job scheduler started", "capacity", s.capacity)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping scheduler")
			return
		case id := <-s.pendingQueue:
			s.slots.Release(1)
			handler(ctx, id)
		}
	}
}

// Reservation is a held queue slot. Exactly one of Commit or Cancel takes
// effect; later calls are no-ops.
type Reservation struct {
	scheduler *JobScheduler
	once      sync.Once
}

// Commit enqueues id into the reserved slot. The channel has one buffer
// entry per slot, so this never blocks.
func (r *Reservation) Commit(id domain.JobID) {
	r.once.Do(func() {
		r.scheduler.pendingQueue <- id
		r.scheduler.logger.Info("job queued", "job_id", id)
	})
}

// Cancel returns the slot without enqueuing anything.
func (r *Reservation) Cancel() {
	r.once.Do(func() {
		r.scheduler.slots.Release(1)
	})
}
