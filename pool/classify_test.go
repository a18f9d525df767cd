package pool

import (
	"errors"
	"testing"

	"github.com/dshills/dispatchpool-go/pool/backend"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  FailureType
		wantRetry bool
		wantBlock BlockMode
	}{
		{
			name:      "missing checkpoint code blocks permanently",
			err:       &backend.Error{StatusCode: 400, Code: "value_not_in_list", Message: "ckpt_name"},
			wantType:  FailureBackendIncompatible,
			wantRetry: true,
			wantBlock: BlockPermanent,
		},
		{
			name:      "missing model code blocks permanently",
			err:       &backend.Error{Code: "missing_model", Message: "model xyz"},
			wantType:  FailureBackendIncompatible,
			wantRetry: true,
			wantBlock: BlockPermanent,
		},
		{
			name:      "not found message blocks permanently",
			err:       &backend.Error{StatusCode: 400, Message: "Node pack FooNodes not found"},
			wantType:  FailureBackendIncompatible,
			wantRetry: true,
			wantBlock: BlockPermanent,
		},
		{
			name:      "no module named message blocks permanently",
			err:       &backend.Error{Message: "No module named custom_sampler"},
			wantType:  FailureBackendIncompatible,
			wantRetry: true,
			wantBlock: BlockPermanent,
		},
		{
			name:      "invalid workflow code is not retryable",
			err:       &backend.Error{StatusCode: 400, Code: "invalid_prompt", Message: "bad graph"},
			wantType:  FailureWorkflowInvalid,
			wantRetry: false,
			wantBlock: BlockNone,
		},
		{
			name:      "invalid node message is not retryable",
			err:       &backend.Error{StatusCode: 400, Message: "invalid node reference: 99"},
			wantType:  FailureWorkflowInvalid,
			wantRetry: false,
			wantBlock: BlockNone,
		},
		{
			name:      "server error is transient",
			err:       &backend.Error{StatusCode: 500, Message: "internal server error"},
			wantType:  FailureTransient,
			wantRetry: true,
			wantBlock: BlockTemporary,
		},
		{
			name:      "rate limit is transient",
			err:       &backend.Error{StatusCode: 429, Message: "too many requests"},
			wantType:  FailureTransient,
			wantRetry: true,
			wantBlock: BlockTemporary,
		},
		{
			name:      "transport failure is transient",
			err:       &backend.Error{Transport: true, Message: "connection refused"},
			wantType:  FailureTransient,
			wantRetry: true,
			wantBlock: BlockTemporary,
		},
		{
			name:      "out of memory is transient",
			err:       &backend.Error{StatusCode: 400, Message: "CUDA Out of Memory"},
			wantType:  FailureTransient,
			wantRetry: true,
			wantBlock: BlockTemporary,
		},
		{
			name:      "plain error is transient",
			err:       errors.New("context deadline exceeded"),
			wantType:  FailureTransient,
			wantRetry: true,
			wantBlock: BlockTemporary,
		},
		{
			name:      "unrecognized backend error is unknown",
			err:       &backend.Error{StatusCode: 418, Message: "short and stout"},
			wantType:  FailureUnknown,
			wantRetry: true,
			wantBlock: BlockTemporary,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if got.Retryable != tt.wantRetry {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.wantRetry)
			}
			if got.BlockBackend != tt.wantBlock {
				t.Errorf("BlockBackend = %q, want %q", got.BlockBackend, tt.wantBlock)
			}
			if got.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestClassifyPrecedence(t *testing.T) {
	// An incompatibility signal wins even when the status would also match
	// a transient rule.
	got := Classify(&backend.Error{StatusCode: 500, Code: "missing_checkpoint", Message: "x"})
	if got.Type != FailureBackendIncompatible {
		t.Errorf("Type = %q, want %q", got.Type, FailureBackendIncompatible)
	}
}

func TestClassifyPayload(t *testing.T) {
	c := classifyPayload(&backend.ErrorPayload{
		Code:    "node_missing",
		Message: "node type FooSampler",
	})
	if c.Type != FailureBackendIncompatible || c.BlockBackend != BlockPermanent {
		t.Errorf("classifyPayload() = %+v, want incompatible/permanent", c)
	}

	c = classifyPayload(nil)
	if c.Type != FailureUnknown || !c.Retryable {
		t.Errorf("classifyPayload(nil) = %+v, want unknown/retryable", c)
	}
}
