package pool

import (
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newTestClock() *testClock {
	return &testClock{cur: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

var transientClass = Classification{
	Type: FailureTransient, Retryable: true, BlockBackend: BlockTemporary, Reason: "http 500",
}

var incompatibleClass = Classification{
	Type: FailureBackendIncompatible, Retryable: true, BlockBackend: BlockPermanent, Reason: "missing model",
}

func TestFailoverPolicyCooldown(t *testing.T) {
	clk := newTestClock()
	p := NewFailoverPolicy(time.Minute, 1)
	p.setClock(clk.Now)

	if p.ShouldSkip("b1", "fp") {
		t.Fatal("ShouldSkip() = true before any failure")
	}

	until, blocked := p.RecordFailure("b1", "fp", transientClass)
	if !blocked {
		t.Fatal("RecordFailure() did not block with threshold 1")
	}
	if want := clk.Now().Add(time.Minute); !until.Equal(want) {
		t.Errorf("until = %v, want %v", until, want)
	}

	if !p.ShouldSkip("b1", "fp") {
		t.Error("ShouldSkip() = false during cooldown")
	}
	if p.ShouldSkip("b2", "fp") {
		t.Error("ShouldSkip() leaked to another backend")
	}
	if p.ShouldSkip("b1", "other") {
		t.Error("ShouldSkip() leaked to another fingerprint")
	}

	clk.Advance(2 * time.Minute)
	if p.ShouldSkip("b1", "fp") {
		t.Error("ShouldSkip() = true after cooldown elapsed")
	}
}

func TestFailoverPolicyThreshold(t *testing.T) {
	clk := newTestClock()
	p := NewFailoverPolicy(time.Minute, 3)
	p.setClock(clk.Now)

	for i := 0; i < 2; i++ {
		if _, blocked := p.RecordFailure("b1", "fp", transientClass); blocked {
			t.Fatalf("blocked after %d failures, threshold is 3", i+1)
		}
	}
	if p.ShouldSkip("b1", "fp") {
		t.Error("ShouldSkip() = true below threshold")
	}
	if _, blocked := p.RecordFailure("b1", "fp", transientClass); !blocked {
		t.Error("third failure did not block")
	}
	if !p.ShouldSkip("b1", "fp") {
		t.Error("ShouldSkip() = false at threshold")
	}
}

func TestFailoverPolicyPermanent(t *testing.T) {
	clk := newTestClock()
	p := NewFailoverPolicy(time.Minute, 1)
	p.setClock(clk.Now)

	p.RecordFailure("b1", "fp", incompatibleClass)
	if !p.Permanent("b1", "fp") {
		t.Fatal("Permanent() = false after incompatible failure")
	}

	// No amount of waiting clears a permanent block.
	clk.Advance(24 * time.Hour)
	if !p.ShouldSkip("b1", "fp") {
		t.Error("permanent block expired with time")
	}

	unblocked := p.ResetForFingerprint("fp")
	if len(unblocked) != 1 || unblocked[0] != "b1" {
		t.Errorf("ResetForFingerprint() = %v, want [b1]", unblocked)
	}
	if p.ShouldSkip("b1", "fp") {
		t.Error("ShouldSkip() = true after reset")
	}
}

func TestFailoverPolicySuccessClears(t *testing.T) {
	clk := newTestClock()
	p := NewFailoverPolicy(time.Minute, 2)
	p.setClock(clk.Now)

	p.RecordFailure("b1", "fp", transientClass)
	p.RecordSuccess("b1", "fp")

	// The count restarted; one more failure must not reach the threshold.
	if _, blocked := p.RecordFailure("b1", "fp", transientClass); blocked {
		t.Error("failure count survived a recorded success")
	}
}

func TestFailoverPolicyNextExpiry(t *testing.T) {
	clk := newTestClock()
	p := NewFailoverPolicy(time.Minute, 1)
	p.setClock(clk.Now)

	if !p.NextExpiry().IsZero() {
		t.Fatal("NextExpiry() non-zero on empty policy")
	}

	p.RecordFailure("b1", "fp1", transientClass)
	clk.Advance(10 * time.Second)
	p.RecordFailure("b2", "fp2", transientClass)
	p.RecordFailure("b3", "fp3", incompatibleClass)

	// Earliest temporary expiry wins; the permanent block is excluded.
	want := clk.Now().Add(50 * time.Second)
	if got := p.NextExpiry(); !got.Equal(want) {
		t.Errorf("NextExpiry() = %v, want %v", got, want)
	}

	clk.Advance(55 * time.Second)
	expired := p.ExpireDue()
	if len(expired) != 1 || expired[0].BackendID != "b1" {
		t.Errorf("ExpireDue() = %v, want [{b1 fp1}]", expired)
	}
	if p.ShouldSkip("b1", "fp1") {
		t.Error("expired pair still skipped")
	}
	if !p.ShouldSkip("b2", "fp2") {
		t.Error("unexpired pair was cleared")
	}
	if !p.ShouldSkip("b3", "fp3") {
		t.Error("permanent pair was cleared")
	}
}
