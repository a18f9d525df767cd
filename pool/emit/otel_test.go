package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingEmitter(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitterEmit(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{
		Name:      JobProgress,
		JobID:     "job-001",
		BackendID: "gpu-0",
		NodeID:    "7",
		Value:     4,
		Max:       20,
		Meta: map[string]interface{}{
			"attempt": 2,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != JobProgress {
		t.Errorf("span name = %q, want %q", span.Name, JobProgress)
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["job_id"]; got != "job-001" {
		t.Errorf("job_id = %v, want job-001", got)
	}
	if got := attrs["backend_id"]; got != "gpu-0" {
		t.Errorf("backend_id = %v, want gpu-0", got)
	}
	if got := attrs["node_id"]; got != "7" {
		t.Errorf("node_id = %v, want 7", got)
	}
	if got := attrs["progress_value"]; got != int64(4) {
		t.Errorf("progress_value = %v, want 4", got)
	}
	if got := attrs["meta.attempt"]; got != int64(2) {
		t.Errorf("meta.attempt = %v, want 2", got)
	}

	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{
		Name:  JobFailed,
		JobID: "job-002",
		Meta: map[string]interface{}{
			"error": "execution start timeout",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "execution start timeout" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
}

func TestOTelEmitterSkipsStructuredMeta(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{
		Name: JobCompleted,
		Meta: map[string]interface{}{
			"job":     map[string]interface{}{"id": "x"},
			"attempt": 1,
		},
	})

	attrs := attributeMap(exporter.GetSpans()[0].Attributes)
	if _, ok := attrs["meta.job"]; ok {
		t.Error("structured meta value became an attribute")
	}
	if got := attrs["meta.attempt"]; got != int64(1) {
		t.Errorf("meta.attempt = %v, want 1", got)
	}
}
