package pool

import (
	"errors"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Attachment is a file uploaded to the backend before submission. After a
// successful upload, the stored name replaces the value at
// workflow[NodeID].inputs[InputName].
type Attachment struct {
	NodeID    string
	InputName string
	Filename  string
	Data      []byte
}

// EnqueueOptions configures a single submission. The zero value gives
// priority 0, three attempts, and a one second retry delay.
type EnqueueOptions struct {
	// Priority orders the queue; higher dispatches first.
	Priority int

	// MaxAttempts bounds submission attempts. Zero means the default of 3.
	MaxAttempts int

	// RetryDelay spaces retries after transient failures. Zero means the
	// default of one second.
	RetryDelay time.Duration

	// PreferredBackendIDs restricts dispatch to these backends when
	// non-empty.
	PreferredBackendIDs []string

	// ExcludeBackendIDs removes these backends from consideration.
	ExcludeBackendIDs []string

	// Metadata is passed through to the backend submission untouched.
	Metadata map[string]interface{}

	// IncludeOutputs lists node IDs whose output descriptors are
	// collected into the job result.
	IncludeOutputs []string

	// Attachments are uploaded, in order, before each submission attempt.
	Attachments []Attachment
}

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = time.Second
)

// Job is the per-submission record. Owned and mutated only by the
// dispatcher loop; Status returns copies.
type Job struct {
	ID          string
	Workflow    map[string]interface{}
	Fingerprint string
	Priority    int
	MaxAttempts int
	RetryDelay  time.Duration

	PreferredBackendIDs map[string]bool
	ExcludeBackendIDs   map[string]bool
	Metadata            map[string]interface{}
	IncludeOutputs      []string
	Attachments         []Attachment

	Attempts    int
	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Status    JobStatus
	BackendID string
	PromptID  string

	// LastError holds the most recent classified failure.
	LastError *Classification

	// Result maps requested node IDs to their output descriptors, set on
	// completion.
	Result map[string]map[string]interface{}

	// outputs buffers node_executed descriptors observed while running.
	outputs map[string]map[string]interface{}

	// reservationID is the queue handle for the in-flight attempt.
	reservationID string

	// startTimerSeq invalidates stale execution-start timers; a timer
	// fires only when its sequence still matches.
	startTimerSeq uint64

	// cancelled marks a job whose late backend events must be dropped.
	cancelled bool
}

// Err returns the job's terminal failure as a *DispatchError, or nil when
// the job has not failed.
func (j *Job) Err() error {
	if j.Status != StatusFailed || j.LastError == nil {
		return nil
	}
	return &DispatchError{
		JobID:          j.ID,
		BackendID:      j.BackendID,
		Classification: *j.LastError,
		Err:            errors.New(j.LastError.Reason),
	}
}

// snapshot returns a caller-safe copy of the job.
func (j *Job) snapshot() *Job {
	cp := *j
	cp.Workflow = CloneWorkflow(j.Workflow)
	cp.outputs = nil
	if j.LastError != nil {
		lastErr := *j.LastError
		cp.LastError = &lastErr
	}
	if j.Result != nil {
		cp.Result = make(map[string]map[string]interface{}, len(j.Result))
		for node, out := range j.Result {
			cp.Result[node] = out
		}
	}
	cp.PreferredBackendIDs = copyStringSet(j.PreferredBackendIDs)
	cp.ExcludeBackendIDs = copyStringSet(j.ExcludeBackendIDs)
	return &cp
}

// collectResult fills Result from the buffered outputs for the nodes the
// caller asked for. Nodes with no observed output are omitted.
func (j *Job) collectResult() {
	if len(j.IncludeOutputs) == 0 {
		return
	}
	j.Result = make(map[string]map[string]interface{}, len(j.IncludeOutputs))
	for _, node := range j.IncludeOutputs {
		if out, ok := j.outputs[node]; ok {
			j.Result[node] = out
		}
	}
}

func copyStringSet(set map[string]bool) map[string]bool {
	if set == nil {
		return nil
	}
	out := make(map[string]bool, len(set))
	for k, v := range set {
		out[k] = v
	}
	return out
}

func toStringSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
