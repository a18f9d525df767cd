package emit

// Emitter receives and processes observability events from the dispatcher.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry, Jaeger, Zipkin
//   - Metrics: Prometheus, StatsD
//   - In-process subscription: Bus
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down dispatching
//   - Thread-safe: May be called from the dispatcher loop and adapters
//   - Resilient: Handle failures gracefully (don't crash the pool)
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit is called from the dispatcher's event loop, so the per-job
	// emission order observed by an Emitter matches the order of job
	// state transitions. Implementations must not block for long and
	// must not panic; errors should be handled internally.
	Emit(event Event)
}

// MultiEmitter fans a single event out to several emitters in order.
// A nil entry is skipped.
type MultiEmitter []Emitter

// Emit delivers the event to every non-nil emitter in slice order.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
