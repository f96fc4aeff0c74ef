package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job does not exist or is not visible to the caller
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when a claim loses the PENDING -> PROCESSING race
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in PENDING status")

	// ErrNoJobAvailable is returned when no PENDING job is due for dispatch
	ErrNoJobAvailable = errors.New("no job available")

	// ErrStaleClaim is returned when a worker writes to a job it no longer holds
	ErrStaleClaim = errors.New("job is no longer held by this claim")

	// ErrNotCancellable is returned when cancel targets a terminal job
	ErrNotCancellable = errors.New("job cannot be cancelled in its current status")

	// ErrNotRetryable is returned when retry targets a job outside FAILED/CANCELLED or out of retries
	ErrNotRetryable = errors.New("job cannot be retried")

	// ErrInvalidPayload is returned when job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnsupportedJobType is returned when no executor is registered for a job type
	ErrUnsupportedJobType = errors.New("unsupported job type")

	// ErrJobTimedOut marks a PROCESSING job reclaimed by the sweeper
	ErrJobTimedOut = errors.New(TimedOutMessage)
)

// ValidationError describes a rejected submission
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ExecutorError wraps a failure returned by a job executor.
// Message is safe to store on the job and show to the owner.
type ExecutorError struct {
	Message string
	Err     error
}

func (e *ExecutorError) Error() string {
	return e.Message
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// NewExecutorError creates an executor error with an already sanitized message
func NewExecutorError(message string, err error) error {
	return &ExecutorError{Message: message, Err: err}
}

// StorageError wraps a failure of the durable job store
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// PermanentError marks an execution failure that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new permanent error
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err should skip the retry policy
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
