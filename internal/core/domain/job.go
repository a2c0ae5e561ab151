package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobID is the canonical lowercase text form of a random UUID.
type JobID string

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRunning: true,
		JobStatusFailed:  true,
	},
	JobStatusRunning: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
	},
}

// CanTransitionTo reports whether moving from s to next keeps the status monotonic.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	return allowedTransitions[s][next]
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CredentialDigest is the keyed one-way digest of a job's bearer token.
type CredentialDigest [32]byte

// Job is a snapshot of one submit/process/fetch unit of work.
// Result fields are set only when completed, Error only when failed.
type Job struct {
	ID               JobID            `json:"job_id"`
	Status           JobStatus        `json:"status"`
	CredentialDigest CredentialDigest `json:"-"`
	WorkspacePath    string           `json:"-"`
	ResultPath       string           `json:"-"`
	ResultName       string           `json:"-"`
	Error            *string          `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NewJobID returns a fresh random job identifier.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// ParseJobID validates a client supplied identifier. Anything that is not a
// canonical UUID (urn or braced forms, upper case, path fragments) is
// reported as ErrJobNotFound so callers never build paths from raw input.
func ParseJobID(raw string) (JobID, error) {
	id, err := uuid.Parse(raw)
	if err != nil || id.String() != raw {
		return "", ErrJobNotFound
	}
	return JobID(raw), nil
}
