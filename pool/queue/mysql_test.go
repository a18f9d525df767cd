package queue

import (
	"context"
	"os"
	"testing"
	"time"
)

// openMySQLHarness connects to the MySQL instance named by TEST_MYSQL_DSN
// and clears the queue tables. Tests are skipped when the variable is
// unset, e.g.:
//
//	TEST_MYSQL_DSN="user:pass@tcp(127.0.0.1:3306)/dispatchpool_test" go test ./pool/queue/
func openMySQLHarness(t *testing.T) *contractHarness {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set; skipping MySQL integration tests")
	}

	clk := newFakeClock()
	q, err := NewMySQLQueue(dsn, MySQLWithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewMySQLQueue() error = %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	ctx := context.Background()
	for _, table := range []string{"queue_entries", "queue_sequences"} {
		if _, err := q.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clear %s: %v", table, err)
		}
	}
	return &contractHarness{queue: q, advance: clk.Advance}
}

func TestMySQLQueueContract(t *testing.T) {
	runQueueContract(t, openMySQLHarness)
}

func TestMySQLQueueVisibilityReclaim(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set; skipping MySQL integration tests")
	}

	clk := newFakeClock()
	q, err := NewMySQLQueue(dsn,
		MySQLWithClock(clk.Now),
		MySQLWithVisibilityTimeout(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	ctx := context.Background()
	for _, table := range []string{"queue_entries", "queue_sequences"} {
		if _, err := q.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatal(err)
		}
	}

	if err := q.Enqueue(ctx, testPayload("orphan", ""), nil); err != nil {
		t.Fatal(err)
	}
	first := mustReserve(t, q, nil)

	clk.Advance(30 * time.Second)
	reserveEmpty(t, q, nil)

	clk.Advance(2 * time.Minute)
	second := mustReserve(t, q, nil)
	if second.Payload.JobID != "orphan" {
		t.Fatalf("Reserve() = %q, want orphan", second.Payload.JobID)
	}
	if second.ID == first.ID {
		t.Error("reclaimed reservation reused the lost reservation ID")
	}
}
