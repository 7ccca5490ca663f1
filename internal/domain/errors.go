package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrStateConflict is returned when a compare-and-set transition finds the record in another state
	ErrStateConflict = errors.New("job state conflict")

	// ErrInvalidTransition is returned for an edge that is not part of the state machine
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrUnknownJobType is returned when no handler is registered for a job type
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrInvalidPayload is returned when a job payload does not match its handler's shape
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrQueueEmpty is returned by Dequeue when no reference is currently visible
	ErrQueueEmpty = errors.New("queue empty")

	// ErrWorkerLost is recorded for a running job whose worker stopped heartbeating
	ErrWorkerLost = errors.New("worker lost")
)

// ValidationError rejects a submission at the boundary; no job is created
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation error for a request field
func NewValidationError(field, message string, err error) error {
	return &ValidationError{Field: field, Message: message, Err: err}
}

// StorageError signals that the job record store is unavailable
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage error: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps an infrastructure error raised by the store
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// QueueError signals that the queue is unavailable
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return "queue error: " + e.Op + ": " + e.Err.Error()
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// NewQueueError wraps an infrastructure error raised by the queue
func NewQueueError(op string, err error) error {
	return &QueueError{Op: op, Err: err}
}

// HandlerError is any failure raised while executing a job, including timeouts.
// Every HandlerError is retryable.
type HandlerError struct {
	JobType string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %s", e.JobType, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// NewHandlerError creates a handler error for a job type
func NewHandlerError(jobType string, err error) error {
	return &HandlerError{JobType: jobType, Err: err}
}

// IsInfrastructure reports whether err comes from the store or the queue
func IsInfrastructure(err error) bool {
	var storageErr *StorageError
	var queueErr *QueueError
	return errors.As(err, &storageErr) || errors.As(err, &queueErr)
}
