package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is a scriptable Client for tests. Configure the exported
// fields before use; push stream events with PushEvent. All methods are
// safe for concurrent use.
//
// Example:
//
//	mock := backend.NewMockClient()
//	mock.SubmitIDs = []string{"prompt-1"}
//	id, _ := mock.Submit(ctx, workflow, nil)
//	mock.PushEvent(backend.Event{Kind: backend.EventExecutionStart, PromptID: id})
type MockClient struct {
	mu sync.Mutex

	// SubmitIDs are returned in order by successive Submit calls. When
	// exhausted, the last ID repeats with a numeric suffix so IDs stay
	// unique.
	SubmitIDs []string

	// SubmitErrs are returned in order by successive Submit calls. A nil
	// entry means that call succeeds. When exhausted, calls succeed.
	SubmitErrs []error

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error

	// InterruptErr, when set, is returned by Interrupt.
	InterruptErr error

	// Artifacts maps filename to the bytes FetchArtifact returns.
	Artifacts map[string][]byte

	// Snapshot is returned by QueueSnapshot.
	Snapshot QueueSnapshot

	// UploadName, when set, overrides the name returned by
	// UploadAttachment. Defaults to the uploaded filename.
	UploadName string

	// Submitted records every workflow passed to Submit.
	Submitted []map[string]interface{}

	// Interrupted records every prompt ID passed to Interrupt.
	Interrupted []string

	// Uploaded records every filename passed to UploadAttachment.
	Uploaded []string

	submitCount int
	events      chan Event
	closed      bool
}

// NewMockClient creates a mock with a buffered event stream.
func NewMockClient() *MockClient {
	return &MockClient{
		events: make(chan Event, 64),
	}
}

// Connect returns a fixed client identifier, or ConnectErr when set.
func (m *MockClient) Connect(_ context.Context, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return "", m.ConnectErr
	}
	return "mock-client", nil
}

// Submit records the workflow and returns the next scripted ID or error.
func (m *MockClient) Submit(_ context.Context, workflow map[string]interface{}, _ map[string]interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Submitted = append(m.Submitted, workflow)
	idx := m.submitCount
	m.submitCount++

	if idx < len(m.SubmitErrs) && m.SubmitErrs[idx] != nil {
		return "", m.SubmitErrs[idx]
	}

	switch {
	case len(m.SubmitIDs) == 0:
		return fmt.Sprintf("mock-prompt-%d", idx+1), nil
	case idx < len(m.SubmitIDs):
		return m.SubmitIDs[idx], nil
	default:
		return fmt.Sprintf("%s-%d", m.SubmitIDs[len(m.SubmitIDs)-1], idx+1), nil
	}
}

// UploadAttachment records the filename and returns UploadName or the
// filename itself.
func (m *MockClient) UploadAttachment(_ context.Context, filename string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Uploaded = append(m.Uploaded, filename)
	if m.UploadName != "" {
		return m.UploadName, nil
	}
	return filename, nil
}

// Interrupt records the prompt ID and returns InterruptErr when set.
func (m *MockClient) Interrupt(_ context.Context, promptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Interrupted = append(m.Interrupted, promptID)
	return m.InterruptErr
}

// Events returns the mock's event stream.
func (m *MockClient) Events() <-chan Event {
	return m.events
}

// PushEvent injects an event into the stream, as if the backend sent it.
// The send holds the same lock Close takes before closing the channel;
// pushing after Close is a no-op, and a full buffer drops the event the
// way the real client does.
func (m *MockClient) PushEvent(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

// FetchArtifact returns the scripted bytes for filename, or *Error with
// StatusCode 404 when absent.
func (m *MockClient) FetchArtifact(_ context.Context, filename, _, _ string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.Artifacts[filename]; ok {
		return data, nil
	}
	return nil, &Error{StatusCode: 404, Message: "artifact not available: " + filename}
}

// QueueSnapshot returns the scripted snapshot.
func (m *MockClient) QueueSnapshot(_ context.Context) (QueueSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Snapshot, nil
}

// Close closes the event stream. Safe to call more than once.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

// SubmitCount reports how many times Submit was called.
func (m *MockClient) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCount
}

// InterruptCount reports how many times Interrupt was called.
func (m *MockClient) InterruptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Interrupted)
}

// Reset clears recorded calls and the scripted cursor, keeping the event
// stream open.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submitted = nil
	m.Interrupted = nil
	m.Uploaded = nil
	m.submitCount = 0
}
