package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: Machine-readable JSON format, one event per line
//
// Example text output:
//
//	[job:started] jobID=4f1c... backendID=gpu-0
//
// Example JSON output:
//
//	{"name":"job:started","jobID":"4f1c...","backendID":"gpu-0"}
//
// Usage:
//
//	// Text output to stdout
//	emitter := emit.NewLogEmitter(os.Stdout, false)
//
//	// JSON output to file
//	f, _ := os.Create("events.jsonl")
//	defer f.Close()
//	emitter := emit.NewLogEmitter(f, true)
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter.
//
// Parameters:
//   - writer: Where to write the log output (e.g., os.Stdout, file).
//     If nil, os.Stdout is used.
//   - jsonMode: If true, emit JSON format; if false, emit text format
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes an event to the configured writer.
//
// Binary payloads (Data) are logged as their byte length, never inlined.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Name      string                 `json:"name"`
		JobID     string                 `json:"jobID,omitempty"`
		BackendID string                 `json:"backendID,omitempty"`
		NodeID    string                 `json:"nodeID,omitempty"`
		Value     int                    `json:"value,omitempty"`
		Max       int                    `json:"max,omitempty"`
		DataLen   int                    `json:"dataLen,omitempty"`
		Meta      map[string]interface{} `json:"meta,omitempty"`
	}{
		Name:      event.Name,
		JobID:     event.JobID,
		BackendID: event.BackendID,
		NodeID:    event.NodeID,
		Value:     event.Value,
		Max:       event.Max,
		DataLen:   len(event.Data),
		Meta:      event.Meta,
	})
	if err != nil {
		// Fallback to error message if marshal fails
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s]", event.Name)
	if event.JobID != "" {
		fmt.Fprintf(l.writer, " jobID=%s", event.JobID)
	}
	if event.BackendID != "" {
		fmt.Fprintf(l.writer, " backendID=%s", event.BackendID)
	}
	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " nodeID=%s", event.NodeID)
	}
	if event.Max != 0 {
		fmt.Fprintf(l.writer, " progress=%d/%d", event.Value, event.Max)
	}
	if len(event.Data) > 0 {
		fmt.Fprintf(l.writer, " dataLen=%d", len(event.Data))
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
