package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// priorityStride separates priority bands in the ready-set score so that
// any higher-priority entry sorts before every lower-priority one, with
// the sequence number breaking ties inside a band. Sequence numbers stay
// far below the stride in practice; float64 scores remain exact well past
// 2^52.
const priorityStride = 1 << 40

// RedisQueue is a Redis-backed implementation of Queue.
//
// It is the broker adapter for multi-process deployments: several
// dispatchers (or a dispatcher and external producers) can share one
// queue. Layout, under a configurable key prefix:
//
//	<p>:seq            counter for sequence assignment
//	<p>:seqs           hash jobID -> sequence (assigned once, kept)
//	<p>:entry:<job>    hash with the entry's fields
//	<p>:ready:<ckpt>   ZSET of visible jobs, score -priority*stride + seq
//	<p>:ckpts          set of checkpoint keys with a ready ZSET
//	<p>:delayed        ZSET of invisible jobs, score availableAt (ms)
//	<p>:inflight       ZSET of reservations, score visibility deadline (ms)
//	<p>:resv           hash reservationID -> jobID
//	<p>:failed         set of dead-lettered job IDs
//
// Reservations carry a visibility deadline; entries whose holder never
// resolves them are reclaimed by the next Reserve once the deadline
// passes. Within a ready set, ordering is priority desc then sequence
// asc, matching the reference adapter; availableAt only decides when a
// delayed entry is promoted into its ready set.
type RedisQueue struct {
	rdb        *redis.Client
	prefix     string
	now        func() time.Time
	visibility time.Duration
	logger     *slog.Logger
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// RedisWithPrefix sets the key prefix (default "dispatchq").
func RedisWithPrefix(prefix string) RedisOption {
	return func(q *RedisQueue) {
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

// RedisWithClock injects the time source for tests.
func RedisWithClock(now func() time.Time) RedisOption {
	return func(q *RedisQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// RedisWithVisibilityTimeout sets the reservation visibility window
// (default 5 minutes). Zero disables reclaiming.
func RedisWithVisibilityTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.visibility = d }
}

// RedisWithLogger sets the logger for reclaim warnings.
func RedisWithLogger(logger *slog.Logger) RedisOption {
	return func(q *RedisQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewRedisQueue creates a Redis-backed queue and verifies connectivity
// with a ping.
//
// Example:
//
//	q, err := queue.NewRedisQueue(&redis.Options{Addr: "localhost:6379"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Close()
func NewRedisQueue(opts *redis.Options, qopts ...RedisOption) (*RedisQueue, error) {
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	q := &RedisQueue{
		rdb:        rdb,
		prefix:     "dispatchq",
		now:        time.Now,
		visibility: 5 * time.Minute,
		logger:     slog.Default(),
	}
	for _, opt := range qopts {
		opt(q)
	}
	return q, nil
}

// Close shuts down the underlying redis client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

func (q *RedisQueue) key(parts ...string) string {
	key := q.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func readyScore(priority int, seq int64) float64 {
	return float64(-priority)*priorityStride + float64(seq)
}

// Enqueue places the payload in its ready or delayed set, assigning the
// job's sequence number on first contact and superseding any in-flight
// entry for the same job.
func (q *RedisQueue) Enqueue(ctx context.Context, payload Payload, opts *EnqueueOptions) error {
	if payload.CheckpointKey == "" {
		payload.CheckpointKey = DefaultCheckpointKey
	}
	priority := 0
	var delay time.Duration
	if opts != nil {
		priority = opts.Priority
		delay = opts.Delay
	}
	availableAt := q.now().Add(delay)

	// Assign the sequence once per job ID.
	set, err := q.rdb.HSetNX(ctx, q.key("seqs"), payload.JobID, 0).Result()
	if err != nil {
		return fmt.Errorf("assign sequence: %w", err)
	}
	if set {
		seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
		if err != nil {
			return fmt.Errorf("advance sequence: %w", err)
		}
		if err := q.rdb.HSet(ctx, q.key("seqs"), payload.JobID, seq).Err(); err != nil {
			return fmt.Errorf("store sequence: %w", err)
		}
	}
	seqStr, err := q.rdb.HGet(ctx, q.key("seqs"), payload.JobID).Result()
	if err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}
	seq, _ := strconv.ParseInt(seqStr, 10, 64)

	// Supersede a stale reservation for the same job.
	entryKey := q.key("entry", payload.JobID)
	fields, err := q.rdb.HGetAll(ctx, entryKey).Result()
	if err != nil {
		return fmt.Errorf("load entry: %w", err)
	}
	if fields["state"] == "inflight" && fields["reservation_id"] != "" {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("inflight"), fields["reservation_id"])
		pipe.HDel(ctx, q.key("resv"), fields["reservation_id"])
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("supersede reservation: %w", err)
		}
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, entryKey, map[string]interface{}{
		"checkpoint_key": payload.CheckpointKey,
		"priority":       priority,
		"seq":            seq,
		"attempts":       0,
		"available_at":   availableAt.UnixMilli(),
		"state":          "waiting",
		"reservation_id": "",
		"reason":         "",
		"data":           []byte(payload.Data),
	})
	pipe.SAdd(ctx, q.key("ckpts"), payload.CheckpointKey)
	pipe.SRem(ctx, q.key("failed"), payload.JobID)
	pipe.ZRem(ctx, q.key("ready", payload.CheckpointKey), payload.JobID)
	pipe.ZRem(ctx, q.key("delayed"), payload.JobID)
	if delay > 0 {
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(availableAt.UnixMilli()),
			Member: payload.JobID,
		})
	} else {
		pipe.ZAdd(ctx, q.key("ready", payload.CheckpointKey), redis.Z{
			Score:  readyScore(priority, seq),
			Member: payload.JobID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue entry: %w", err)
	}
	return nil
}

// Reserve promotes due delayed entries, reclaims expired reservations, and
// hands out the best visible payload across the candidate sub-queues.
func (q *RedisQueue) Reserve(ctx context.Context, availableCheckpoints []string) (*Reservation, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}
	if err := q.reclaimExpired(ctx); err != nil {
		return nil, err
	}

	keys, err := q.candidateKeys(ctx, availableCheckpoints)
	if err != nil {
		return nil, err
	}

	// A lost ZRem race (another consumer claimed the same head) simply
	// retries the scan; a few rounds are plenty under normal contention.
	for attempt := 0; attempt < 8; attempt++ {
		bestJob, bestKey, bestScore := "", "", math.Inf(1)
		for _, key := range keys {
			members, err := q.rdb.ZRangeWithScores(ctx, q.key("ready", key), 0, 0).Result()
			if err != nil {
				return nil, fmt.Errorf("scan ready set: %w", err)
			}
			if len(members) == 0 {
				continue
			}
			if members[0].Score < bestScore {
				bestScore = members[0].Score
				bestJob = members[0].Member.(string)
				bestKey = key
			}
		}
		if bestJob == "" {
			return nil, nil
		}

		removed, err := q.rdb.ZRem(ctx, q.key("ready", bestKey), bestJob).Result()
		if err != nil {
			return nil, fmt.Errorf("claim entry: %w", err)
		}
		if removed == 0 {
			continue // lost the race, rescan
		}
		return q.markReserved(ctx, bestJob)
	}
	return nil, nil
}

// promoteDelayed moves entries whose availableAt has passed into their
// ready sets.
func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	now := q.now().UnixMilli()
	due, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed set: %w", err)
	}
	for _, jobID := range due {
		fields, err := q.rdb.HGetAll(ctx, q.key("entry", jobID)).Result()
		if err != nil {
			return fmt.Errorf("load delayed entry: %w", err)
		}
		if len(fields) == 0 {
			_ = q.rdb.ZRem(ctx, q.key("delayed"), jobID).Err()
			continue
		}
		priority, _ := strconv.Atoi(fields["priority"])
		seq, _ := strconv.ParseInt(fields["seq"], 10, 64)
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed"), jobID)
		pipe.ZAdd(ctx, q.key("ready", fields["checkpoint_key"]), redis.Z{
			Score:  readyScore(priority, seq),
			Member: jobID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote delayed entry: %w", err)
		}
	}
	return nil
}

// reclaimExpired re-readies in-flight entries whose visibility deadline
// has passed, counting the lost hand-out as an attempt.
func (q *RedisQueue) reclaimExpired(ctx context.Context) error {
	if q.visibility <= 0 {
		return nil
	}
	now := q.now().UnixMilli()
	expired, err := q.rdb.ZRangeByScore(ctx, q.key("inflight"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan inflight set: %w", err)
	}
	for _, resID := range expired {
		jobID, err := q.rdb.HGet(ctx, q.key("resv"), resID).Result()
		if errors.Is(err, redis.Nil) {
			_ = q.rdb.ZRem(ctx, q.key("inflight"), resID).Err()
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve reservation: %w", err)
		}
		q.logger.Warn("queue: reclaiming expired reservation",
			"reservation", resID, "job", jobID)
		if err := q.requeue(ctx, resID, jobID, 0, true); err != nil {
			return err
		}
	}
	return nil
}

// candidateKeys resolves the ready sets a Reserve call may scan.
func (q *RedisQueue) candidateKeys(ctx context.Context, availableCheckpoints []string) ([]string, error) {
	if len(availableCheckpoints) == 0 {
		keys, err := q.rdb.SMembers(ctx, q.key("ckpts")).Result()
		if err != nil {
			return nil, fmt.Errorf("list checkpoint keys: %w", err)
		}
		return keys, nil
	}
	seen := map[string]struct{}{DefaultCheckpointKey: {}}
	keys := []string{DefaultCheckpointKey}
	for _, key := range availableCheckpoints {
		key = NormalizeCheckpoint(key)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}

// markReserved transitions a claimed entry to in-flight and returns the
// reservation.
func (q *RedisQueue) markReserved(ctx context.Context, jobID string) (*Reservation, error) {
	fields, err := q.rdb.HGetAll(ctx, q.key("entry", jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load claimed entry: %w", err)
	}
	priority, _ := strconv.Atoi(fields["priority"])
	attempts, _ := strconv.Atoi(fields["attempts"])
	availableAt, _ := strconv.ParseInt(fields["available_at"], 10, 64)

	resID := uuid.NewString()
	deadline := math.Inf(1)
	if q.visibility > 0 {
		deadline = float64(q.now().Add(q.visibility).UnixMilli())
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("entry", jobID), map[string]interface{}{
		"state":          "inflight",
		"reservation_id": resID,
	})
	pipe.ZAdd(ctx, q.key("inflight"), redis.Z{Score: deadline, Member: resID})
	pipe.HSet(ctx, q.key("resv"), resID, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("mark reserved: %w", err)
	}

	return &Reservation{
		ID: resID,
		Payload: Payload{
			JobID:         jobID,
			CheckpointKey: fields["checkpoint_key"],
			Data:          []byte(fields["data"]),
		},
		Priority:    priority,
		Attempt:     attempts,
		AvailableAt: time.UnixMilli(availableAt),
	}, nil
}

// resolveReservation maps a reservation ID to its job, detaching it from
// the in-flight bookkeeping. Returns "" for unknown reservations.
func (q *RedisQueue) resolveReservation(ctx context.Context, reservationID string) (string, error) {
	jobID, err := q.rdb.HGet(ctx, q.key("resv"), reservationID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve reservation: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("inflight"), reservationID)
	pipe.HDel(ctx, q.key("resv"), reservationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("detach reservation: %w", err)
	}
	return jobID, nil
}

// Commit deletes the reserved entry. The job's sequence assignment is kept
// so a later re-enqueue preserves FIFO position. No-op for unknown IDs.
func (q *RedisQueue) Commit(ctx context.Context, reservationID string) error {
	jobID, err := q.resolveReservation(ctx, reservationID)
	if err != nil || jobID == "" {
		return err
	}
	return q.rdb.Del(ctx, q.key("entry", jobID)).Err()
}

// Retry returns the reserved entry to its sub-queue with attempts
// incremented and availableAt pushed out by delay. No-op for unknown IDs.
func (q *RedisQueue) Retry(ctx context.Context, reservationID string, delay time.Duration) error {
	jobID, err := q.resolveReservation(ctx, reservationID)
	if err != nil || jobID == "" {
		return err
	}
	return q.requeue(ctx, reservationID, jobID, delay, false)
}

// requeue returns an entry to waiting. detach indicates the reservation
// bookkeeping still holds the entry (the reclaim path).
func (q *RedisQueue) requeue(ctx context.Context, reservationID, jobID string, delay time.Duration, detach bool) error {
	fields, err := q.rdb.HGetAll(ctx, q.key("entry", jobID)).Result()
	if err != nil {
		return fmt.Errorf("load entry: %w", err)
	}
	if len(fields) == 0 {
		return nil
	}
	priority, _ := strconv.Atoi(fields["priority"])
	seq, _ := strconv.ParseInt(fields["seq"], 10, 64)
	availableAt := q.now().Add(delay)

	pipe := q.rdb.TxPipeline()
	if detach {
		pipe.ZRem(ctx, q.key("inflight"), reservationID)
		pipe.HDel(ctx, q.key("resv"), reservationID)
	}
	pipe.HSet(ctx, q.key("entry", jobID), map[string]interface{}{
		"state":          "waiting",
		"reservation_id": "",
		"available_at":   availableAt.UnixMilli(),
	})
	pipe.HIncrBy(ctx, q.key("entry", jobID), "attempts", 1)
	if delay > 0 {
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(availableAt.UnixMilli()),
			Member: jobID,
		})
	} else {
		pipe.ZAdd(ctx, q.key("ready", fields["checkpoint_key"]), redis.Z{
			Score:  readyScore(priority, seq),
			Member: jobID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue entry: %w", err)
	}
	return nil
}

// Discard dead-letters the reserved entry. No-op for unknown IDs.
func (q *RedisQueue) Discard(ctx context.Context, reservationID string, reason string) error {
	jobID, err := q.resolveReservation(ctx, reservationID)
	if err != nil || jobID == "" {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("entry", jobID), map[string]interface{}{
		"state":          "failed",
		"reservation_id": "",
		"reason":         reason,
	})
	pipe.SAdd(ctx, q.key("failed"), jobID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("discard entry: %w", err)
	}
	return nil
}

// Remove deletes a job's waiting, delayed, or failed entry. Returns false
// when the job is in-flight or absent. An absent job's sequence field is
// deleted too, so removed jobs do not accumulate fields in the seqs hash.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	fields, err := q.rdb.HGetAll(ctx, q.key("entry", jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("load entry: %w", err)
	}
	if len(fields) == 0 {
		if err := q.rdb.HDel(ctx, q.key("seqs"), jobID).Err(); err != nil {
			return false, fmt.Errorf("drop sequence: %w", err)
		}
		return false, nil
	}
	if fields["state"] == "inflight" {
		return false, nil
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("ready", fields["checkpoint_key"]), jobID)
	pipe.ZRem(ctx, q.key("delayed"), jobID)
	pipe.SRem(ctx, q.key("failed"), jobID)
	pipe.Del(ctx, q.key("entry", jobID))
	pipe.HDel(ctx, q.key("seqs"), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("remove entry: %w", err)
	}
	return true, nil
}

// Stats reports queue contents summed across sub-queues.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	keys, err := q.rdb.SMembers(ctx, q.key("ckpts")).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("list checkpoint keys: %w", err)
	}
	for _, key := range keys {
		n, err := q.rdb.ZCard(ctx, q.key("ready", key)).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("count ready set: %w", err)
		}
		stats.Waiting += int(n)
	}

	delayed, err := q.rdb.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count delayed set: %w", err)
	}
	stats.Delayed = int(delayed)

	inflight, err := q.rdb.ZCard(ctx, q.key("inflight")).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count inflight set: %w", err)
	}
	stats.InFlight = int(inflight)

	failed, err := q.rdb.SCard(ctx, q.key("failed")).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count failed set: %w", err)
	}
	stats.Failed = int(failed)
	return stats, nil
}
