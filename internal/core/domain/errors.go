package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrForbidden         = errors.New("missing or invalid authorization")
	ErrQueueFull         = errors.New("submission queue full")
	ErrJobNotCompleted   = errors.New("job is not completed")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrToolTimeout       = errors.New("packaging tool timed out")
)

// RejectionKind classifies why an archive was refused at submission.
type RejectionKind string

const (
	RejectInvalidFormat            RejectionKind = "invalid_format"
	RejectTooManyEntries           RejectionKind = "too_many_entries"
	RejectUnsafeEntry              RejectionKind = "unsafe_entry"
	RejectUncompressedSizeExceeded RejectionKind = "uncompressed_size_exceeded"
	RejectMissingRequiredContent   RejectionKind = "missing_required_content"
	RejectTooLarge                 RejectionKind = "too_large"
)

// ValidationError is returned for archives that must never reach disk.
type ValidationError struct {
	Kind   RejectionKind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Rejectf builds a ValidationError with a formatted reason.
func Rejectf(kind RejectionKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
