// Package backend defines the client capability boundary between the
// dispatch pool and a remote image-generation server, plus a concrete
// implementation of the ComfyUI-style queue protocol (HTTP submission,
// WebSocket event stream) and a scriptable mock for tests.
package backend

import (
	"context"
	"fmt"
	"time"
)

// Event kinds delivered on a client's event stream.
const (
	EventPending          = "pending"
	EventExecutionStart   = "execution_start"
	EventExecuting        = "executing"
	EventNodeExecuted     = "node_executed"
	EventProgress         = "progress"
	EventPreview          = "preview"
	EventExecutionSuccess = "execution_success"
	EventExecutionError   = "execution_error"
	EventStatusUpdate     = "status_update"
	EventDisconnected     = "disconnected"
	EventReconnected      = "reconnected"
)

// Event is a single occurrence on a backend's event stream.
//
// The stream is ordered and at-most-once per logical event. Events carrying
// a PromptID belong to a specific submission; the rest describe the backend
// itself (status, transport).
type Event struct {
	// Kind is one of the Event* constants.
	Kind string

	// PromptID identifies the submission, when the event has one.
	PromptID string

	// NodeID identifies the workflow node for executing, node_executed,
	// and progress events. Empty on an executing event means the backend
	// finished walking the graph.
	NodeID string

	// Output is the output descriptor of a node_executed event.
	Output map[string]interface{}

	// Value and Max carry progress counters.
	Value int
	Max   int

	// Data carries preview image bytes.
	Data []byte

	// Meta carries preview metadata when the frame included any.
	Meta map[string]interface{}

	// Err is the error payload of an execution_error event.
	Err *ErrorPayload

	// QueueRemaining is the backend's remaining queue depth on a
	// status_update event.
	QueueRemaining int
}

// ErrorPayload is the structured body of an execution_error event.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	NodeID  string                 `json:"node_id,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// QueueSnapshot reports a backend's queue occupancy, used at startup and
// after reconnects to resync counters.
type QueueSnapshot struct {
	Running int `json:"running"`
	Pending int `json:"pending"`
}

// Error is the classifiable error returned by client operations.
//
// The failure classifier branches on these fields; nothing upstream
// inspects raw transport errors.
type Error struct {
	// StatusCode is the HTTP status, when the backend answered at all.
	StatusCode int

	// Code is the backend's error code (e.g. "value_not_in_list").
	Code string

	// Message is the human-readable error text.
	Message string

	// Transport marks connection-level failures (dial, reset, timeout).
	Transport bool

	// NodeErrors carries per-node validation details, when present.
	NodeErrors map[string]interface{}
}

func (e *Error) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("backend error %s: %s", e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("backend HTTP %d: %s", e.StatusCode, e.Message)
	default:
		return "backend error: " + e.Message
	}
}

// Client is the capability the dispatcher consumes, one instance per
// backend. Implementations own their transport entirely, including
// reconnection: after a connection loss the stream must carry
// a disconnected event, then reconnected and a fresh status_update once
// the transport recovers.
type Client interface {
	// Connect establishes the transport and starts the event stream.
	// Returns the client's connection identifier.
	Connect(ctx context.Context, timeout time.Duration) (string, error)

	// Submit queues a workflow on the backend and returns the backend's
	// prompt ID. Failures are returned as *Error.
	Submit(ctx context.Context, workflow map[string]interface{}, metadata map[string]interface{}) (string, error)

	// UploadAttachment stores a file on the backend ahead of a Submit
	// and returns the name the workflow should reference.
	UploadAttachment(ctx context.Context, filename string, data []byte) (string, error)

	// Interrupt asks the backend to abort the given prompt. Best effort;
	// it may no-op when the backend already completed.
	Interrupt(ctx context.Context, promptID string) error

	// Events returns the ordered event stream. The channel is closed by
	// Close.
	Events() <-chan Event

	// FetchArtifact retrieves an output artifact over the backend's HTTP
	// surface.
	FetchArtifact(ctx context.Context, filename, subfolder, artifactType string) ([]byte, error)

	// QueueSnapshot reports the backend's current queue occupancy.
	QueueSnapshot(ctx context.Context) (QueueSnapshot, error)

	// Close tears down the transport and closes the event stream.
	Close() error
}
