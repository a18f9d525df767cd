package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLQueue is a MySQL/MariaDB implementation of Queue.
//
// It stores queue entries in a relational database. Designed for:
//   - Pools whose dispatcher may restart or move between hosts
//   - Deployments that already operate MySQL and want one less broker
//   - Audit trails over dead-lettered work
//
// MySQLQueue uses connection pooling, transactional reserves with row
// locks, and honors the same ordering semantics as MemoryQueue:
// priority desc then sequence asc per checkpoint sub-queue, with sequence
// numbers assigned once per job ID and availableAt gating visibility.
//
// Multiple dispatcher processes may reserve from the same tables; the
// visibility timeout (see MySQLWithVisibilityTimeout) covers consumers
// that crash while holding a reservation.
type MySQLQueue struct {
	db         *sql.DB
	mu         sync.Mutex
	closed     bool
	now        func() time.Time
	visibility time.Duration
}

// MySQLOption configures a MySQLQueue.
type MySQLOption func(*MySQLQueue)

// MySQLWithClock injects the time source for tests.
func MySQLWithClock(now func() time.Time) MySQLOption {
	return func(q *MySQLQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// MySQLWithVisibilityTimeout enables reclaiming of in-flight entries whose
// reservation is older than d. Zero disables reclaiming.
func MySQLWithVisibilityTimeout(d time.Duration) MySQLOption {
	return func(q *MySQLQueue) { q.visibility = d }
}

// NewMySQLQueue creates a MySQL-backed queue.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	q, err := queue.NewMySQLQueue(dsn)
//
// The queue automatically creates required tables, configures connection
// pooling, and verifies connectivity with a ping.
func NewMySQLQueue(dsn string, opts ...MySQLOption) (*MySQLQueue, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	q := &MySQLQueue{db: db, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return q, nil
}

// createTables creates the schema if it doesn't exist.
func (q *MySQLQueue) createTables(ctx context.Context) error {
	sequences := `
		CREATE TABLE IF NOT EXISTS queue_sequences (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			job_id VARCHAR(64) NOT NULL UNIQUE
		) ENGINE=InnoDB
	`
	if _, err := q.db.ExecContext(ctx, sequences); err != nil {
		return err
	}

	entries := `
		CREATE TABLE IF NOT EXISTS queue_entries (
			job_id VARCHAR(64) PRIMARY KEY,
			checkpoint_key VARCHAR(255) NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			seq BIGINT NOT NULL,
			available_at BIGINT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			state VARCHAR(16) NOT NULL DEFAULT 'waiting',
			reservation_id VARCHAR(64),
			reserved_at BIGINT,
			reason TEXT,
			data BLOB,
			INDEX idx_queue_entries_reserve (state, checkpoint_key, priority, available_at, seq)
		) ENGINE=InnoDB
	`
	_, err := q.db.ExecContext(ctx, entries)
	return err
}

// Close closes the underlying database.
func (q *MySQLQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

func (q *MySQLQueue) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Enqueue places the payload in its sub-queue, assigning the job's
// sequence number on first contact and superseding any in-flight entry for
// the same job.
func (q *MySQLQueue) Enqueue(ctx context.Context, payload Payload, opts *EnqueueOptions) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if payload.CheckpointKey == "" {
		payload.CheckpointKey = DefaultCheckpointKey
	}
	priority := 0
	var delay time.Duration
	if opts != nil {
		priority = opts.Priority
		delay = opts.Delay
	}
	availableAt := q.now().Add(delay).UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT IGNORE INTO queue_sequences (job_id) VALUES (?)`,
		payload.JobID); err != nil {
		return fmt.Errorf("assign sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT seq FROM queue_sequences WHERE job_id = ?`,
		payload.JobID).Scan(&seq); err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_entries
			(job_id, checkpoint_key, priority, seq, available_at, attempts, state, data)
		VALUES (?, ?, ?, ?, ?, 0, 'waiting', ?)
		ON DUPLICATE KEY UPDATE
			checkpoint_key = VALUES(checkpoint_key),
			priority = VALUES(priority),
			available_at = VALUES(available_at),
			attempts = 0,
			state = 'waiting',
			reservation_id = NULL,
			reserved_at = NULL,
			reason = NULL,
			data = VALUES(data)
	`, payload.JobID, payload.CheckpointKey, priority, seq, availableAt, []byte(payload.Data)); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	return tx.Commit()
}

// Reserve hands out the best visible payload, locking the selected row so
// concurrent dispatchers never reserve the same entry.
func (q *MySQLQueue) Reserve(ctx context.Context, availableCheckpoints []string) (*Reservation, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	now := q.now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if q.visibility > 0 {
		cutoff := now.Add(-q.visibility).UnixMilli()
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET state = 'waiting', reservation_id = NULL, reserved_at = NULL,
				attempts = attempts + 1
			WHERE state = 'inflight' AND reserved_at < ?
		`, cutoff); err != nil {
			return nil, fmt.Errorf("reclaim expired reservations: %w", err)
		}
	}

	query := `
		SELECT job_id, checkpoint_key, priority, seq, available_at, attempts, data
		FROM queue_entries
		WHERE state = 'waiting' AND available_at <= ?
	`
	args := []interface{}{now.UnixMilli()}
	if len(availableCheckpoints) > 0 {
		keys := []string{DefaultCheckpointKey}
		for _, key := range availableCheckpoints {
			keys = append(keys, NormalizeCheckpoint(key))
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
		query += ` AND checkpoint_key IN (` + placeholders + `)`
		for _, key := range keys {
			args = append(args, key)
		}
	}
	// available_at gates visibility above; ordering is priority then the
	// sequence assigned at first enqueue, so retries keep their slot.
	query += ` ORDER BY priority DESC, seq ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

	var (
		jobID, checkpointKey string
		priority, attempts   int
		seq, availableAt     int64
		data                 []byte
	)
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&jobID, &checkpointKey, &priority, &seq, &availableAt, &attempts, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("select head entry: %w", err)
	}

	resID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = 'inflight', reservation_id = ?, reserved_at = ?
		WHERE job_id = ? AND state = 'waiting'
	`, resID, now.UnixMilli(), jobID); err != nil {
		return nil, fmt.Errorf("mark inflight: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}

	return &Reservation{
		ID: resID,
		Payload: Payload{
			JobID:         jobID,
			CheckpointKey: checkpointKey,
			Data:          data,
		},
		Priority:    priority,
		Attempt:     attempts,
		AvailableAt: time.UnixMilli(availableAt),
	}, nil
}

// Commit deletes the reserved entry. The job's sequence assignment is kept
// so a later re-enqueue preserves FIFO position. No-op for unknown IDs.
func (q *MySQLQueue) Commit(ctx context.Context, reservationID string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE reservation_id = ? AND state = 'inflight'
	`, reservationID)
	return err
}

// Retry returns the reserved entry to its sub-queue with attempts
// incremented and availableAt pushed out by delay. No-op for unknown IDs.
func (q *MySQLQueue) Retry(ctx context.Context, reservationID string, delay time.Duration) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	availableAt := q.now().Add(delay).UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = 'waiting', attempts = attempts + 1, available_at = ?,
			reservation_id = NULL, reserved_at = NULL
		WHERE reservation_id = ? AND state = 'inflight'
	`, availableAt, reservationID)
	return err
}

// Discard dead-letters the reserved entry. No-op for unknown IDs.
func (q *MySQLQueue) Discard(ctx context.Context, reservationID string, reason string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = 'failed', reason = ?, reservation_id = NULL, reserved_at = NULL
		WHERE reservation_id = ? AND state = 'inflight'
	`, reason, reservationID)
	return err
}

// Remove deletes a job's waiting or failed entry. Returns false when the
// job is in-flight or absent. An absent job's sequence row is deleted too,
// so removed jobs do not accumulate rows in queue_sequences.
func (q *MySQLQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	if err := q.checkOpen(); err != nil {
		return false, err
	}
	var state string
	err := q.db.QueryRowContext(ctx,
		`SELECT state FROM queue_entries WHERE job_id = ?`, jobID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		_, _ = q.db.ExecContext(ctx,
			`DELETE FROM queue_sequences WHERE job_id = ?`, jobID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if state == "inflight" {
		return false, nil
	}
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_entries WHERE job_id = ? AND state IN ('waiting', 'failed')
	`, jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		_, _ = q.db.ExecContext(ctx,
			`DELETE FROM queue_sequences WHERE job_id = ?`, jobID)
	}
	return n > 0, nil
}

// Stats reports queue contents summed across sub-queues.
func (q *MySQLQueue) Stats(ctx context.Context) (Stats, error) {
	if err := q.checkOpen(); err != nil {
		return Stats{}, err
	}
	var stats Stats
	now := q.now().UnixMilli()
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'waiting' AND available_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'inflight' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'waiting' AND available_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0)
		FROM queue_entries
	`, now, now).Scan(&stats.Waiting, &stats.InFlight, &stats.Delayed, &stats.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return stats, nil
}
