package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is the reference in-memory implementation of Queue.
//
// It keeps one sorted slice per checkpoint sub-queue and resolves
// reservations synchronously, so no visibility timer is required: the
// dispatcher owns every reservation until it commits, retries, or discards
// it.
//
// Designed for:
//   - Single-process pools (the common deployment)
//   - Testing and development
//   - The semantic baseline external adapters are validated against
//
// MemoryQueue is thread-safe. Data is lost when the process terminates;
// use SQLiteQueue, MySQLQueue, or RedisQueue when the queue must survive
// restarts or be shared across processes.
type MemoryQueue struct {
	mu     sync.Mutex
	closed bool

	subs     map[string][]*memEntry // checkpointKey -> ordered entries
	inflight map[string]*memEntry   // reservationID -> entry
	resByJob map[string]string      // jobID -> reservationID
	failed   map[string]*memEntry   // jobID -> dead-lettered entry

	seqs    map[string]uint64 // jobID -> assigned sequence
	nextSeq uint64

	now    func() time.Time
	logger *slog.Logger
}

// memEntry wraps a payload with its ordering state.
type memEntry struct {
	payload     Payload
	priority    int
	seq         uint64
	availableAt time.Time
	attempts    int
	reason      string // set when dead-lettered
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// MemoryWithClock injects the time source, letting tests advance delayed
// visibility without sleeping.
func MemoryWithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// MemoryWithLogger sets the logger used for ordering sanity warnings.
func MemoryWithLogger(logger *slog.Logger) MemoryOption {
	return func(q *MemoryQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		subs:     make(map[string][]*memEntry),
		inflight: make(map[string]*memEntry),
		resByJob: make(map[string]string),
		failed:   make(map[string]*memEntry),
		seqs:     make(map[string]uint64),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// orderedBefore reports whether a dequeues before b: priority desc, then
// sequence asc. availableAt is a visibility gate, not an ordering key;
// sequences are assigned in arrival order, so for never-delayed payloads
// this coincides with (priority desc, availableAt asc, seq asc), while a
// delayed retry keeps the position its sequence gave it.
func orderedBefore(a, b *memEntry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// Enqueue places the payload in its sub-queue.
//
// The sequence number is assigned on the first enqueue of a job ID and
// reused afterwards, so retried payloads keep their FIFO position among
// equal-priority peers. Enqueueing a job that is currently in-flight drops
// the in-flight entry; the new entry supersedes it.
func (q *MemoryQueue) Enqueue(_ context.Context, payload Payload, opts *EnqueueOptions) error {
	if payload.CheckpointKey == "" {
		payload.CheckpointKey = DefaultCheckpointKey
	}
	priority := 0
	var delay time.Duration
	if opts != nil {
		priority = opts.Priority
		delay = opts.Delay
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	// Supersede a stale in-flight entry for the same job.
	if resID, ok := q.resByJob[payload.JobID]; ok {
		delete(q.inflight, resID)
		delete(q.resByJob, payload.JobID)
	}

	seq, ok := q.seqs[payload.JobID]
	if !ok {
		q.nextSeq++
		seq = q.nextSeq
		q.seqs[payload.JobID] = seq
	}

	entry := &memEntry{
		payload:     payload,
		priority:    priority,
		seq:         seq,
		availableAt: q.now().Add(delay),
	}
	q.insertLocked(entry)
	return nil
}

// insertLocked places the entry into its sub-queue keeping sorted order.
func (q *MemoryQueue) insertLocked(entry *memEntry) {
	key := entry.payload.CheckpointKey
	sub := q.subs[key]
	idx := sort.Search(len(sub), func(i int) bool {
		return orderedBefore(entry, sub[i])
	})
	sub = append(sub, nil)
	copy(sub[idx+1:], sub[idx:])
	sub[idx] = entry
	q.subs[key] = sub
}

// Reserve hands out the globally best visible payload.
//
// With an empty availableCheckpoints every sub-queue is a candidate; with a
// non-empty set only the named sub-queues plus DefaultCheckpointKey are
// scanned. Across candidates the heads are compared by the ordering tuple.
func (q *MemoryQueue) Reserve(_ context.Context, availableCheckpoints []string) (*Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	now := q.now()
	candidates := q.candidateKeysLocked(availableCheckpoints)

	var best *memEntry
	var bestKey string
	var bestIdx int
	for _, key := range candidates {
		sub := q.subs[key]
		for i, entry := range sub {
			if entry.availableAt.After(now) {
				continue
			}
			q.checkInversionLocked(key, sub, i, entry)
			if best == nil || orderedBefore(entry, best) {
				best, bestKey, bestIdx = entry, key, i
			}
			break
		}
	}
	if best == nil {
		return nil, nil
	}

	sub := q.subs[bestKey]
	q.subs[bestKey] = append(sub[:bestIdx], sub[bestIdx+1:]...)

	resID := uuid.NewString()
	q.inflight[resID] = best
	q.resByJob[best.payload.JobID] = resID

	return &Reservation{
		ID:          resID,
		Payload:     best.payload,
		Priority:    best.priority,
		Attempt:     best.attempts,
		AvailableAt: best.availableAt,
	}, nil
}

// candidateKeysLocked resolves the sub-queues a Reserve call may scan,
// sorted for deterministic iteration.
func (q *MemoryQueue) candidateKeysLocked(availableCheckpoints []string) []string {
	keys := make([]string, 0, len(q.subs))
	if len(availableCheckpoints) == 0 {
		for key := range q.subs {
			keys = append(keys, key)
		}
	} else {
		seen := map[string]struct{}{DefaultCheckpointKey: {}}
		keys = append(keys, DefaultCheckpointKey)
		for _, key := range availableCheckpoints {
			key = NormalizeCheckpoint(key)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// checkInversionLocked warns when the first visible entry of a sub-queue is
// not the minimal visible entry by the ordering tuple. The reference
// implementation keeps sub-queues sorted, so this firing indicates a bug;
// the check documents the invariant external adapters are held to.
func (q *MemoryQueue) checkInversionLocked(key string, sub []*memEntry, idx int, chosen *memEntry) {
	now := q.now()
	for _, other := range sub[idx+1:] {
		if other.availableAt.After(now) {
			continue
		}
		if orderedBefore(other, chosen) {
			q.logger.Warn("queue: FIFO inversion detected",
				"checkpoint", key,
				"chosen_job", chosen.payload.JobID,
				"earlier_job", other.payload.JobID)
			return
		}
	}
}

// Commit resolves a reservation as handed off. No-op for unknown IDs.
func (q *MemoryQueue) Commit(_ context.Context, reservationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[reservationID]
	if !ok {
		return nil
	}
	delete(q.inflight, reservationID)
	delete(q.resByJob, entry.payload.JobID)
	// The sequence assignment is kept: a later re-enqueue of the same job
	// (a post-commit execution retry) must land back in its original FIFO
	// position.
	return nil
}

// Retry re-inserts a reserved payload with attempts incremented and
// availableAt pushed out by delay, preserving its original sequence.
// No-op for unknown IDs.
func (q *MemoryQueue) Retry(_ context.Context, reservationID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[reservationID]
	if !ok {
		return nil
	}
	delete(q.inflight, reservationID)
	delete(q.resByJob, entry.payload.JobID)

	entry.attempts++
	entry.availableAt = q.now().Add(delay)
	q.insertLocked(entry)
	return nil
}

// Discard moves a reserved payload to the failed set. No-op for unknown IDs.
func (q *MemoryQueue) Discard(_ context.Context, reservationID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[reservationID]
	if !ok {
		return nil
	}
	delete(q.inflight, reservationID)
	delete(q.resByJob, entry.payload.JobID)

	entry.reason = reason
	q.failed[entry.payload.JobID] = entry
	return nil
}

// Remove deletes a job's payload from any sub-queue or the failed set.
// Returns false when the job is in-flight. When the job has no live entry
// its sequence assignment is dropped too, so removing a finished job
// releases all state keyed by it; a later enqueue of the same ID gets a
// fresh sequence.
func (q *MemoryQueue) Remove(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.resByJob[jobID]; ok {
		return false, nil
	}
	if _, ok := q.failed[jobID]; ok {
		delete(q.failed, jobID)
		delete(q.seqs, jobID)
		return true, nil
	}
	for key, sub := range q.subs {
		for i, entry := range sub {
			if entry.payload.JobID == jobID {
				q.subs[key] = append(sub[:i], sub[i+1:]...)
				delete(q.seqs, jobID)
				return true, nil
			}
		}
	}
	delete(q.seqs, jobID)
	return false, nil
}

// Stats reports queue contents summed across sub-queues.
func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		InFlight: len(q.inflight),
		Failed:   len(q.failed),
	}
	now := q.now()
	for _, sub := range q.subs {
		for _, entry := range sub {
			if entry.availableAt.After(now) {
				stats.Delayed++
			} else {
				stats.Waiting++
			}
		}
	}
	return stats, nil
}

// Close marks the queue closed; later Enqueue and Reserve calls return
// ErrClosed. Reservations already handed out can still be resolved.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
