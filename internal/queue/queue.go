// Package queue provides the durable work queue for scheduled exchange
// jobs. Jobs are Postgres rows with a scheduled-visibility timestamp, so
// pending work survives process restarts and crashed workers' claims are
// reclaimed after a visibility timeout.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/warmup-engine/internal/planner"
)

// Job is one time slot's exchanges, delivered at-least-once.
type Job struct {
	ID       string
	Round    int
	Pairs    []planner.ExchangePair
	Attempts int
}

// Queue is the durable publish/consume contract.
type Queue interface {
	// Publish stores a job that becomes visible to workers at visibleAt.
	Publish(ctx context.Context, round int, pairs []planner.ExchangePair, visibleAt time.Time) (string, error)
	// Claim leases the next visible job for the worker, or returns nil
	// when the queue is empty.
	Claim(ctx context.Context, workerID string) (*Job, error)
	// Ack marks a claimed job as completed.
	Ack(ctx context.Context, jobID string) error
	// Nack returns a claimed job for redelivery after delay; once the
	// attempt budget is exhausted the job moves to the dead-letter state.
	Nack(ctx context.Context, jobID string, delay time.Duration, reason string) error
}

// PostgresQueue implements Queue on the warmup_jobs table.
type PostgresQueue struct {
	db            *sql.DB
	maxRetryCount int
	lockTimeout   time.Duration
}

// NewPostgresQueue creates the queue. maxRetryCount bounds redeliveries
// before dead-lettering; lockTimeout is the visibility timeout after
// which a claimed-but-unacked job is reclaimable.
func NewPostgresQueue(db *sql.DB, maxRetryCount int, lockTimeout time.Duration) *PostgresQueue {
	if maxRetryCount <= 0 {
		maxRetryCount = 5
	}
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Minute
	}
	return &PostgresQueue{db: db, maxRetryCount: maxRetryCount, lockTimeout: lockTimeout}
}

// Publish stores one round's pairs as a durable job row.
func (q *PostgresQueue) Publish(ctx context.Context, round int, pairs []planner.ExchangePair, visibleAt time.Time) (string, error) {
	payload, err := json.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	id := uuid.New().String()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO warmup_jobs (id, round, payload, status, visible_at, attempts, created_at)
		VALUES ($1, $2, $3, 'pending', $4, 0, NOW())`,
		id, round, payload, visibleAt)
	if err != nil {
		return "", fmt.Errorf("publish job: %w", err)
	}
	return id, nil
}

// Claim leases the next due job. Stale 'processing' rows whose lock has
// outlived the visibility timeout are reclaimed the same way, which is
// what redelivers work from crashed workers.
func (q *PostgresQueue) Claim(ctx context.Context, workerID string) (*Job, error) {
	staleBefore := time.Now().Add(-q.lockTimeout)

	row := q.db.QueryRowContext(ctx, `
		WITH claimed AS (
			UPDATE warmup_jobs
			SET status = 'processing', locked_by = $1, locked_at = NOW()
			WHERE id IN (
				SELECT id FROM warmup_jobs
				WHERE (status = 'pending' AND visible_at <= NOW())
				   OR (status = 'processing' AND locked_at < $2)
				ORDER BY visible_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, round, payload, attempts
		)
		SELECT id, round, payload, attempts FROM claimed`,
		workerID, staleBefore)

	var (
		job     Job
		payload []byte
	)
	err := row.Scan(&job.ID, &job.Round, &payload, &job.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if err := json.Unmarshal(payload, &job.Pairs); err != nil {
		return nil, fmt.Errorf("unmarshal job %s payload: %w", job.ID, err)
	}
	return &job, nil
}

// Ack completes a job.
func (q *PostgresQueue) Ack(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE warmup_jobs
		SET status = 'completed', completed_at = NOW(), locked_by = NULL, locked_at = NULL
		WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Nack schedules redelivery, or dead-letters the job when its attempt
// budget is spent.
func (q *PostgresQueue) Nack(ctx context.Context, jobID string, delay time.Duration, reason string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE warmup_jobs
		SET attempts = attempts + 1,
		    last_error = $2,
		    locked_by = NULL,
		    locked_at = NULL,
		    status = CASE WHEN attempts + 1 >= $3 THEN 'dead_letter' ELSE 'pending' END,
		    visible_at = CASE WHEN attempts + 1 >= $3 THEN visible_at ELSE NOW() + ($4 * INTERVAL '1 second') END
		WHERE id = $1`,
		jobID, reason, q.maxRetryCount, int(delay.Seconds()))
	if err != nil {
		return fmt.Errorf("nack job: %w", err)
	}
	return nil
}

// PendingCount reports jobs waiting or in flight, for the status API.
func (q *PostgresQueue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM warmup_jobs
		WHERE status IN ('pending', 'processing')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}
