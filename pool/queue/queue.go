// Package queue provides the reservation-based job queue consumed by the
// dispatcher, plus reference and broker-backed implementations.
//
// The queue is partitioned into sub-queues keyed by checkpoint key (the
// normalized identifier of the primary model a workflow references). This
// keeps FIFO fairness per checkpoint while letting backends consume
// whichever sub-queue they are currently equipped for.
//
// Any implementation satisfying Queue with equivalent ordering semantics
// and at-most-once commit is substitutable; the dispatcher never relies on
// in-process shared state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultCheckpointKey is the sub-queue for payloads whose workflow
// references no recognizable checkpoint.
const DefaultCheckpointKey = "default"

// ErrClosed is returned by adapters that have been closed.
var ErrClosed = errors.New("queue is closed")

// Payload is the unit of work carried by the queue.
//
// The dispatcher keeps the full job record in its own store; the queue only
// needs enough to order and partition work. Data is an optional opaque blob
// for broker-backed deployments where the consumer is a different process.
type Payload struct {
	// JobID identifies the job this payload belongs to. Sequence numbers
	// are assigned per JobID and survive retries and re-enqueues.
	JobID string `json:"job_id"`

	// CheckpointKey selects the sub-queue. Use CheckpointKeyFor to derive
	// it from a workflow; empty is normalized to DefaultCheckpointKey.
	CheckpointKey string `json:"checkpoint_key"`

	// Data is an opaque payload body, unused by the queue itself.
	Data json.RawMessage `json:"data,omitempty"`
}

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	// Priority orders payloads within a sub-queue; higher dequeues first.
	Priority int

	// Delay makes the payload invisible to Reserve until now+Delay.
	Delay time.Duration
}

// Reservation is the handle returned when a payload is handed out.
//
// The holder owns the payload until exactly one of Commit, Retry, or
// Discard resolves it; subsequent calls with the same reservation ID are
// no-ops. Broker-backed adapters additionally reclaim reservations whose
// visibility window expires.
type Reservation struct {
	// ID resolves this reservation in Commit, Retry, and Discard.
	ID string

	// Payload is the reserved unit of work.
	Payload Payload

	// Priority is the payload's effective priority.
	Priority int

	// Attempt counts prior Retry calls for this payload (0 on first hand-out).
	Attempt int

	// AvailableAt is when the payload became visible.
	AvailableAt time.Time
}

// Stats summarizes queue contents across all sub-queues.
type Stats struct {
	// Waiting counts payloads visible to Reserve right now.
	Waiting int `json:"waiting"`

	// InFlight counts reserved, unresolved payloads.
	InFlight int `json:"in_flight"`

	// Delayed counts payloads whose availableAt is in the future.
	Delayed int `json:"delayed"`

	// Failed counts discarded (dead-lettered) payloads.
	Failed int `json:"failed"`
}

// Queue is the adapter contract between the dispatcher and a job queue.
//
// Ordering invariant: within a sub-queue, visible payloads are handed out
// by priority desc, then sequence asc. The sequence number is assigned on
// the first enqueue of a job ID, in arrival order, and preserved through
// retries; that preservation is what makes retries land back in their
// original FIFO position among equal-priority peers. availableAt gates
// visibility only: a delayed payload is not reservable before it, but once
// visible it dequeues by its original sequence.
type Queue interface {
	// Enqueue places a payload in its sub-queue. A nil opts means
	// priority 0 and no delay. If the payload's job is currently
	// in-flight, the in-flight entry is dropped and this one supersedes
	// it.
	Enqueue(ctx context.Context, payload Payload, opts *EnqueueOptions) error

	// Reserve hands out the globally best visible payload, restricted to
	// the sub-queues named in availableCheckpoints (plus
	// DefaultCheckpointKey) when the set is non-empty. Returns nil with
	// a nil error when nothing is visible.
	Reserve(ctx context.Context, availableCheckpoints []string) (*Reservation, error)

	// Commit resolves a reservation as successfully handed off.
	// No-op for unknown reservation IDs.
	Commit(ctx context.Context, reservationID string) error

	// Retry re-inserts a reserved payload into its sub-queue with its
	// attempt count incremented and availableAt = now + delay, keeping
	// its original sequence number. No-op for unknown reservation IDs.
	Retry(ctx context.Context, reservationID string, delay time.Duration) error

	// Discard resolves a reservation into the failed (dead-letter) set.
	// No-op for unknown reservation IDs.
	Discard(ctx context.Context, reservationID string, reason string) error

	// Remove deletes a job's payload from any sub-queue or the failed
	// set. Returns false without removing when the job is in-flight.
	// When the job has no live entry, its sequence assignment is dropped
	// so removed jobs do not accumulate queue state; a later enqueue of
	// the same job ID gets a fresh sequence.
	Remove(ctx context.Context, jobID string) (bool, error)

	// Stats reports queue contents summed across sub-queues.
	Stats(ctx context.Context) (Stats, error)
}
