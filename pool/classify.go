package pool

import (
	"errors"
	"strings"

	"github.com/dshills/dispatchpool-go/pool/backend"
)

// FailureType is the three-way-plus-unknown taxonomy every backend failure
// is mapped into. Upstream logic branches on these values only, never on
// raw error shapes.
type FailureType string

const (
	// FailureWorkflowInvalid means the workflow itself is at fault. No
	// backend can run it; retrying is pointless.
	FailureWorkflowInvalid FailureType = "workflow_invalid"

	// FailureBackendIncompatible means this particular backend cannot run
	// this particular workflow (missing model, missing node pack). Another
	// backend may succeed.
	FailureBackendIncompatible FailureType = "backend_incompatible"

	// FailureTransient means the failure is expected to clear on its own
	// (5xx, connection loss, out of memory).
	FailureTransient FailureType = "transient"

	// FailureUnknown is everything else. Treated optimistically as
	// retryable with a temporary block.
	FailureUnknown FailureType = "unknown"
)

// BlockMode says what a failure implies for the (backend, fingerprint)
// pair that produced it.
type BlockMode string

const (
	BlockNone      BlockMode = "none"
	BlockTemporary BlockMode = "temporary"
	BlockPermanent BlockMode = "permanent"
)

// Classification is the authoritative verdict on a backend failure.
// It is computed exactly once, at the backend boundary, and drives all
// retry and failover decisions afterwards.
type Classification struct {
	Type         FailureType `json:"type"`
	Retryable    bool        `json:"retryable"`
	BlockBackend BlockMode   `json:"block_backend"`
	Reason       string      `json:"reason"`
}

// Error codes a backend reports when it lacks a model, file, or node the
// workflow references. These block the backend permanently for the
// workflow's fingerprint.
var incompatibleCodes = map[string]bool{
	"value_not_in_list":  true,
	"missing_choice":     true,
	"missing_checkpoint": true,
	"missing_model":      true,
	"missing_file":       true,
	"unknown_model":      true,
	"unknown_checkpoint": true,
	"node_missing":       true,
	"lora_missing":       true,
}

// Error codes that indict the workflow itself rather than the backend.
var invalidCodes = map[string]bool{
	"workflow_invalid":       true,
	"invalid_node_reference": true,
	"invalid_workflow":       true,
	"missing_input":          true,
	"invalid_prompt":         true,
}

var incompatibleMessages = []string{
	"not found",
	"no module named",
	"failed to load model",
	"failed to load checkpoint",
	"no such file",
}

var invalidMessages = []string{
	"invalid workflow",
	"invalid graph",
	"invalid node",
	"invalid prompt",
	"invalid input",
}

// Classify maps a backend failure onto the taxonomy. First match wins:
// incompatibility signals beat invalidity signals beat status-based
// transients, and anything unrecognized lands on unknown with a temporary
// block.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Type: FailureUnknown, Retryable: true, BlockBackend: BlockTemporary, Reason: "nil error"}
	}

	var berr *backend.Error
	if !errors.As(err, &berr) {
		// Errors that never reached the backend boundary (context
		// cancellation, local I/O) behave like transport faults.
		return Classification{Type: FailureTransient, Retryable: true, BlockBackend: BlockTemporary, Reason: err.Error()}
	}

	message := strings.ToLower(berr.Message)

	switch {
	case incompatibleCodes[berr.Code] || containsAny(message, incompatibleMessages):
		return Classification{Type: FailureBackendIncompatible, Retryable: true, BlockBackend: BlockPermanent, Reason: berr.Error()}

	case invalidCodes[berr.Code] || containsAny(message, invalidMessages):
		return Classification{Type: FailureWorkflowInvalid, Retryable: false, BlockBackend: BlockNone, Reason: berr.Error()}

	case berr.StatusCode >= 500:
		return Classification{Type: FailureTransient, Retryable: true, BlockBackend: BlockTemporary, Reason: berr.Error()}

	case berr.StatusCode == 429:
		return Classification{Type: FailureTransient, Retryable: true, BlockBackend: BlockTemporary, Reason: berr.Error()}

	case berr.Transport:
		return Classification{Type: FailureTransient, Retryable: true, BlockBackend: BlockTemporary, Reason: berr.Error()}

	case strings.Contains(message, "out of memory"):
		return Classification{Type: FailureTransient, Retryable: true, BlockBackend: BlockTemporary, Reason: berr.Error()}

	default:
		return Classification{Type: FailureUnknown, Retryable: true, BlockBackend: BlockTemporary, Reason: berr.Error()}
	}
}

// classifyPayload converts a structured execution_error event into the
// same taxonomy as Classify, without re-stringifying the payload.
func classifyPayload(p *backend.ErrorPayload) Classification {
	if p == nil {
		return Classification{Type: FailureUnknown, Retryable: true, BlockBackend: BlockTemporary, Reason: "execution error"}
	}
	return Classify(&backend.Error{Code: p.Code, Message: p.Message, NodeErrors: p.Details})
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
