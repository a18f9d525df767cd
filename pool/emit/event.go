package emit

// Event names published by the dispatcher. Subscribers register against
// these names (or the wildcard "*") on a Bus.
const (
	// Job lifecycle events. JobID is always set; Meta["job"] carries a
	// job snapshot for terminal and transition events.
	JobQueued    = "job:queued"
	JobStarted   = "job:started"
	JobProgress  = "job:progress"
	JobPreview   = "job:preview"
	JobNodeDone  = "job:node_executed"
	JobCompleted = "job:completed"
	JobFailed    = "job:failed"
	JobRetrying  = "job:retrying"
	JobCancelled = "job:cancelled"

	// Backend lifecycle events. BackendID is always set.
	BackendState     = "backend:state"
	BackendBlocked   = "backend:blocked_fingerprint"
	BackendUnblocked = "backend:unblocked_fingerprint"
	PoolReady        = "pool:ready"
)

// Event is a single observability record emitted during dispatching.
//
// Events provide insight into pool behavior:
//   - Job state transitions (queued, started, completed, failed, ...)
//   - Per-node execution progress and previews
//   - Backend lifecycle and fingerprint blocking
//
// Events flow to an Emitter which can:
//   - Log to stdout/stderr (LogEmitter)
//   - Buffer for inspection (BufferedEmitter)
//   - Create OpenTelemetry spans (OTelEmitter)
//   - Fan out to subscribers (Bus)
type Event struct {
	// Name is the event name, one of the constants above.
	Name string

	// JobID identifies the job this event belongs to.
	// Empty for pool-level and backend-level events.
	JobID string

	// BackendID identifies the backend involved, when any.
	BackendID string

	// NodeID identifies the workflow node for per-node events
	// (progress, node_executed, preview). Empty otherwise.
	NodeID string

	// Value and Max carry progress information for job:progress.
	Value int
	Max   int

	// Data carries binary payloads (preview image bytes).
	Data []byte

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "job": job snapshot (for job:* transition events)
	//   - "classification": failure classification (job:failed)
	//   - "will_retry": whether the job will be retried (job:failed)
	//   - "delay_ms": retry delay (job:retrying)
	//   - "output": node output descriptor (job:node_executed)
	//   - "fingerprint", "until": blocking details (backend:blocked_fingerprint)
	//   - "state": backend state string (backend:state)
	//   - "backend_ids": ready backend ids (pool:ready)
	Meta map[string]interface{}
}
