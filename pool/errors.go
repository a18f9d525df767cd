package pool

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by pool operations.
var (
	// ErrJobNotFound indicates the job ID is unknown to the pool.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidState indicates an operation is not valid for the job's
	// current status, e.g. cancelling a completed job.
	ErrInvalidState = errors.New("invalid job state")

	// ErrBackendNotFound indicates the backend ID is not registered.
	ErrBackendNotFound = errors.New("backend not found")

	// ErrDuplicateBackend indicates a backend with the same ID is already
	// registered.
	ErrDuplicateBackend = errors.New("backend already registered")

	// ErrPoolClosed indicates the pool has been closed.
	ErrPoolClosed = errors.New("pool closed")

	// ErrNotStarted indicates an operation that needs the dispatcher, such
	// as Cancel, was called before Start.
	ErrNotStarted = errors.New("pool not started")

	// ErrEmptyWorkflow indicates an enqueue with no nodes.
	ErrEmptyWorkflow = errors.New("workflow has no nodes")
)

// DispatchError wraps a failure with enough context to locate it: the job,
// the backend it happened on, and the classification the failure received.
type DispatchError struct {
	JobID          string
	BackendID      string
	Classification Classification
	Err            error
}

func (e *DispatchError) Error() string {
	if e.BackendID != "" {
		return fmt.Sprintf("job %s on backend %s: %v", e.JobID, e.BackendID, e.Err)
	}
	return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
