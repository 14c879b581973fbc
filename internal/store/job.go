// ABOUTME: Job row type and the queue state machine: enqueue, claim, and the
// ABOUTME: write-back transitions (completed, retry, failed, dead, requeue-stuck).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Status enumerates the job state machine. A job is created available,
// flips to running on claim, and from running reaches exactly one of:
// completed, available again (retry with advanced scheduled_at), failed
// (terminal, policy dead-letter on permanent delivery errors), or dead
// (terminal, attempts exhausted).
type Status string

const (
	StatusAvailable Status = "available"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Job is one queued webhook delivery and its retry history.
type Job struct {
	ID                    uuid.UUID
	Queue                 string
	Status                Status
	Attempt               int
	MaxAttempts           int
	ScheduledAt           time.Time
	AttemptedAt           *time.Time
	AttemptedBy           []string
	LastAttemptFinishedAt *time.Time
	Target                string
	Payload               json.RawMessage
	Metadata              json.RawMessage
	LastError             *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NewJob is the enqueue input. Queue and MaxAttempts must be resolved by the
// caller (the API applies configured defaults before calling EnqueueJob).
type NewJob struct {
	Queue       string
	Target      string
	Payload     json.RawMessage
	Metadata    json.RawMessage
	NotBefore   *time.Time
	MaxAttempts int
}

// validate rejects malformed enqueue input before any row is written.
func (n *NewJob) validate() error {
	if n.Queue == "" {
		return fmt.Errorf("%w: queue is required", ErrInvalidJob)
	}
	if n.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidJob)
	}
	u, err := url.ParseRequestURI(n.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: target must be an http(s) URL", ErrInvalidJob)
	}
	if len(n.Payload) == 0 || !json.Valid(n.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidJob)
	}
	if len(n.Metadata) > 0 && !json.Valid(n.Metadata) {
		return fmt.Errorf("%w: metadata must be valid JSON", ErrInvalidJob)
	}
	return nil
}

const jobColumns = `id, queue, status, attempt, max_attempts, scheduled_at,
attempted_at, attempted_by, last_attempt_finished_at, target, payload,
metadata, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Queue, &j.Status, &j.Attempt, &j.MaxAttempts, &j.ScheduledAt,
		&j.AttemptedAt, &j.AttemptedBy, &j.LastAttemptFinishedAt, &j.Target,
		&j.Payload, &j.Metadata, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

// EnqueueJob validates and inserts a new job row with status available and
// attempt 0. scheduled_at is NotBefore when set, otherwise now().
func (s *Store) EnqueueJob(ctx context.Context, n NewJob) (uuid.UUID, error) {
	if err := n.validate(); err != nil {
		return uuid.Nil, err
	}
	var scheduledAt any
	if n.NotBefore != nil {
		scheduledAt = *n.NotBefore
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
INSERT INTO job_queue (queue, target, payload, metadata, max_attempts, scheduled_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6::timestamptz, now()))
RETURNING id`,
		n.Queue, n.Target, n.Payload, n.Metadata, n.MaxAttempts, scheduledAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// claimBatchSQL selects up to limit due, available jobs from the named queue
// and flips them to running in the same statement. Lower-attempt, earlier-due
// rows win ties. FOR UPDATE SKIP LOCKED makes a concurrent claimer skip rows
// already locked by this one instead of blocking on them, so every worker
// makes progress on whatever is free. The whole batch commits or none of it.
const claimBatchSQL = `
WITH available_in_queue AS (
    SELECT id
    FROM job_queue
    WHERE status = 'available'
      AND scheduled_at <= now()
      AND queue = $1
    ORDER BY attempt, scheduled_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE job_queue
SET status = 'running',
    attempt = attempt + 1,
    attempted_at = now(),
    attempted_by = array_append(attempted_by, $3::text),
    updated_at = now()
FROM available_in_queue
WHERE job_queue.id = available_in_queue.id
RETURNING ` + jobColumns

// ClaimBatch atomically claims up to limit due jobs from queue for workerID.
// Returns fewer rows than limit (possibly none) when fewer qualify; it never
// blocks waiting for more.
func (s *Store) ClaimBatch(ctx context.Context, queue, workerID string, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx, claimBatchSQL, queue, limit, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("claim batch scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}
	return jobs, nil
}

// transition runs an UPDATE that must affect exactly one running row.
func (s *Store) transition(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// MarkCompleted records a successful delivery. Terminal.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, "mark completed", `
UPDATE job_queue
SET status = 'completed',
    last_attempt_finished_at = now(),
    updated_at = now()
WHERE id = $1 AND status = 'running'`, id)
}

// MarkRetry returns a running job to available with scheduled_at advanced by
// delay. retryQueue, when non-empty, moves the job to a different queue for
// its remaining attempts. lastError overwrites the previous failure note.
func (s *Store) MarkRetry(ctx context.Context, id uuid.UUID, delay time.Duration, retryQueue, lastError string) error {
	return s.transition(ctx, "mark retry", `
UPDATE job_queue
SET status = 'available',
    scheduled_at = now() + make_interval(secs => $2),
    queue = COALESCE(NULLIF($3, ''), queue),
    last_error = $4,
    last_attempt_finished_at = now(),
    updated_at = now()
WHERE id = $1 AND status = 'running'`, id, delay.Seconds(), retryQueue, lastError)
}

// MarkFailed dead-letters a running job on a permanent delivery failure.
// Terminal; distinct from dead so exhaustion and policy rejection are
// distinguishable in the audit trail.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.transition(ctx, "mark failed", `
UPDATE job_queue
SET status = 'failed',
    last_error = $2,
    last_attempt_finished_at = now(),
    updated_at = now()
WHERE id = $1 AND status = 'running'`, id, lastError)
}

// MarkDead records attempt exhaustion. Terminal.
func (s *Store) MarkDead(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.transition(ctx, "mark dead", `
UPDATE job_queue
SET status = 'dead',
    last_error = $2,
    last_attempt_finished_at = now(),
    updated_at = now()
WHERE id = $1 AND status = 'running'`, id, lastError)
}

// RequeueStuck resets running rows claimed more than olderThan ago back to
// available without touching attempt, so a worker that crashed after claiming
// does not strand its batch. Rows that already consumed their final attempt
// go to dead instead: an available row must always have attempt < max_attempts.
// Returns (requeued, deadened).
func (s *Store) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, int, error) {
	rows, err := s.pool.Query(ctx, `
WITH stuck AS (
    SELECT id, attempt >= max_attempts AS exhausted
    FROM job_queue
    WHERE status = 'running'
      AND attempted_at < now() - make_interval(secs => $1)
    FOR UPDATE SKIP LOCKED
)
UPDATE job_queue
SET status = CASE WHEN stuck.exhausted THEN 'dead'::job_status ELSE 'available'::job_status END,
    last_error = CASE WHEN stuck.exhausted THEN 'visibility timeout exceeded' ELSE job_queue.last_error END,
    updated_at = now()
FROM stuck
WHERE job_queue.id = stuck.id
RETURNING stuck.exhausted`, olderThan.Seconds())
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stuck: %w", err)
	}
	defer rows.Close()

	var requeued, deadened int
	for rows.Next() {
		var exhausted bool
		if err := rows.Scan(&exhausted); err != nil {
			return 0, 0, fmt.Errorf("requeue stuck scan: %w", err)
		}
		if exhausted {
			deadened++
		} else {
			requeued++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("requeue stuck rows: %w", err)
	}
	return requeued, deadened, nil
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// ReplayJob resets a terminal failed or dead job back to available with
// attempt 0, making it immediately claimable again. Returns ErrNotFound when
// the job does not exist or is not in a replayable state.
func (s *Store) ReplayJob(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, "replay job", `
UPDATE job_queue
SET status = 'available',
    attempt = 0,
    scheduled_at = now(),
    last_error = NULL,
    updated_at = now()
WHERE id = $1 AND status IN ('failed', 'dead')`, id)
}

// CountByStatus returns per-status row counts for a queue, for the
// observability surface.
func (s *Store) CountByStatus(ctx context.Context, queue string) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM job_queue WHERE queue = $1 GROUP BY status`, queue)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count by status scan: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status rows: %w", err)
	}
	return counts, nil
}
