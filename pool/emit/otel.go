package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Name (e.g., "job:started", "job:completed")
//   - Attributes: jobID, backendID, nodeID, and scalar event.Meta fields
//   - Status: Set to error when Meta["error"] is present
//
// Usage:
//
//	// Setup OpenTelemetry provider (application code)
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//
//	tracer := otel.Tracer("dispatchpool-go")
//	emitter := emit.NewOTelEmitter(tracer)
//
//	d := pool.New(q, emit.MultiEmitter{bus, emitter})
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates a new OTelEmitter.
//
// Parameters:
//   - tracer: OpenTelemetry tracer from otel.Tracer("service-name")
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates an OpenTelemetry span for the event.
//
// Spans are ended immediately: pool events represent points in time, not
// durations. Duration analysis belongs to the Prometheus histograms.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Name)
	defer span.End()

	o.addAttributes(span, event)

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// addAttributes sets the standard and metadata attributes on a span.
func (o *OTelEmitter) addAttributes(span trace.Span, event Event) {
	if event.JobID != "" {
		span.SetAttributes(attribute.String("job_id", event.JobID))
	}
	if event.BackendID != "" {
		span.SetAttributes(attribute.String("backend_id", event.BackendID))
	}
	if event.NodeID != "" {
		span.SetAttributes(attribute.String("node_id", event.NodeID))
	}
	if event.Max != 0 {
		span.SetAttributes(
			attribute.Int("progress_value", event.Value),
			attribute.Int("progress_max", event.Max),
		)
	}
	if len(event.Data) > 0 {
		span.SetAttributes(attribute.Int("data_len", len(event.Data)))
	}

	// Scalar metadata becomes attributes; structured values are skipped
	// (span attributes must be flat).
	for key, value := range event.Meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String("meta."+key, v))
		case bool:
			span.SetAttributes(attribute.Bool("meta."+key, v))
		case int:
			span.SetAttributes(attribute.Int("meta."+key, v))
		case int64:
			span.SetAttributes(attribute.Int64("meta."+key, v))
		case float64:
			span.SetAttributes(attribute.Float64("meta."+key, v))
		}
	}
}
