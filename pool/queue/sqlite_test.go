package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openSQLiteHarness(t *testing.T) *contractHarness {
	t.Helper()
	clk := newFakeClock()
	q, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), SQLiteWithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewSQLiteQueue() error = %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return &contractHarness{queue: q, advance: clk.Advance}
}

func TestSQLiteQueueContract(t *testing.T) {
	runQueueContract(t, openSQLiteHarness)
}

func TestSQLiteQueuePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := NewSQLiteQueue(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, testPayload("survivor", "modela"), &EnqueueOptions{Priority: 2}); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening must see the queued entry with its ordering intact.
	q2, err := NewSQLiteQueue(path)
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()

	res := mustReserve(t, q2, []string{"modela"})
	if res.Payload.JobID != "survivor" {
		t.Errorf("Reserve() = %q, want survivor", res.Payload.JobID)
	}
	if res.Priority != 2 {
		t.Errorf("Priority = %d, want 2", res.Priority)
	}
}

func TestSQLiteQueueVisibilityReclaim(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	q, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"),
		SQLiteWithClock(clk.Now),
		SQLiteWithVisibilityTimeout(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	if err := q.Enqueue(ctx, testPayload("orphan", ""), nil); err != nil {
		t.Fatal(err)
	}
	first := mustReserve(t, q, nil)

	// Holder vanishes. Before the window expires the entry stays owned.
	clk.Advance(30 * time.Second)
	reserveEmpty(t, q, nil)

	// After the window the next Reserve reclaims and re-hands it out.
	clk.Advance(2 * time.Minute)
	second := mustReserve(t, q, nil)
	if second.Payload.JobID != "orphan" {
		t.Fatalf("Reserve() = %q, want orphan", second.Payload.JobID)
	}
	if second.ID == first.ID {
		t.Error("reclaimed reservation reused the lost reservation ID")
	}
	if second.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1 after reclaim", second.Attempt)
	}
}

func TestSQLiteQueueClosedOperations(t *testing.T) {
	q, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := q.Enqueue(ctx, testPayload("x", ""), nil); err != ErrClosed {
		t.Errorf("Enqueue() after close error = %v, want ErrClosed", err)
	}
	if _, err := q.Reserve(ctx, nil); err != ErrClosed {
		t.Errorf("Reserve() after close error = %v, want ErrClosed", err)
	}
	if _, err := q.Stats(ctx); err != ErrClosed {
		t.Errorf("Stats() after close error = %v, want ErrClosed", err)
	}
}
