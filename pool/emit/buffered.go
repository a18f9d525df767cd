package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// This emitter captures all events and provides query capabilities for
// dispatch history analysis. Events are organized by job ID for efficient
// retrieval and filtering; events without a job ID (backend and pool
// lifecycle) are kept under the empty key.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by jobID with optional filtering
//   - Filter by event name, node ID, backend ID
//   - Clear events by jobID or all events
//
// Use cases:
//   - Development and debugging
//   - Testing and validation
//   - Post-run analysis of retry and failover behavior
//
// Warning: This emitter stores all events in memory. For long-lived pools
// with high event volume, clear completed jobs periodically.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	d := pool.New(q, emitter)
//
//	// ... enqueue and run jobs ...
//
//	history := emitter.History(jobID)
//	failures := emitter.HistoryWithFilter(jobID, emit.HistoryFilter{Name: emit.JobFailed})
//	emitter.Clear(jobID)
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // jobID -> events
}

// HistoryFilter specifies criteria for filtering dispatch history.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic (all conditions must match).
type HistoryFilter struct {
	// Name filters by event name (e.g., emit.JobFailed).
	Name string

	// NodeID filters by workflow node.
	NodeID string

	// BackendID filters by backend.
	BackendID string
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event in the per-job buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.JobID] = append(b.events[event.JobID], event)
}

// History retrieves all events for a specific job ID in emission order.
//
// Returns an empty slice if no events exist for the given job ID.
// The returned slice is a copy and safe to retain.
func (b *BufferedEmitter) History(jobID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[jobID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter retrieves filtered events for a specific job ID.
//
// Applies the provided filter criteria to select matching events. All set
// conditions must match for an event to be included.
func (b *BufferedEmitter) HistoryWithFilter(jobID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[jobID] {
		if filter.Name != "" && event.Name != filter.Name {
			continue
		}
		if filter.NodeID != "" && event.NodeID != filter.NodeID {
			continue
		}
		if filter.BackendID != "" && event.BackendID != filter.BackendID {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes stored events.
//
// If jobID is non-empty, clears only events for that job.
// If jobID is empty, clears all stored events across all jobs.
func (b *BufferedEmitter) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if jobID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, jobID)
}
