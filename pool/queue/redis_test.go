package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// openRedisHarness connects to the Redis instance named by TEST_REDIS_ADDR
// and flushes keys under a per-test prefix. Tests are skipped when the
// variable is unset, e.g.:
//
//	TEST_REDIS_ADDR="127.0.0.1:6379" go test ./pool/queue/
func openRedisHarness(t *testing.T) *contractHarness {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping Redis integration tests")
	}

	clk := newFakeClock()
	prefix := "dispatchq_test_" + t.Name()
	q, err := NewRedisQueue(&redis.Options{Addr: addr},
		RedisWithPrefix(prefix),
		RedisWithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewRedisQueue() error = %v", err)
	}
	t.Cleanup(func() {
		flushRedisPrefix(t, q, prefix)
		_ = q.Close()
	})
	flushRedisPrefix(t, q, prefix)
	return &contractHarness{queue: q, advance: clk.Advance}
}

func flushRedisPrefix(t *testing.T, q *RedisQueue, prefix string) {
	t.Helper()
	ctx := context.Background()
	iter := q.rdb.Scan(ctx, 0, prefix+":*", 1000).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		t.Fatalf("scan test keys: %v", err)
	}
	if len(keys) > 0 {
		if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
			t.Fatalf("delete test keys: %v", err)
		}
	}
}

func TestRedisQueueContract(t *testing.T) {
	runQueueContract(t, openRedisHarness)
}

func TestRedisQueueVisibilityReclaim(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping Redis integration tests")
	}

	clk := newFakeClock()
	prefix := "dispatchq_test_reclaim"
	q, err := NewRedisQueue(&redis.Options{Addr: addr},
		RedisWithPrefix(prefix),
		RedisWithClock(clk.Now),
		RedisWithVisibilityTimeout(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	flushRedisPrefix(t, q, prefix)
	defer flushRedisPrefix(t, q, prefix)

	ctx := context.Background()
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
