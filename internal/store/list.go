// ABOUTME: Filtered job listing with keyset pagination, plus the janitor's
// ABOUTME: batched retention delete. Dynamic predicates are built with squirrel.
package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ListFilter narrows ListJobs results. Zero values mean "no filter".
// Cursor fields implement keyset pagination on (created_at DESC, id DESC):
// pass the last row's CreatedAt and ID to fetch the next page.
type ListFilter struct {
	Queue           string
	Status          Status
	CursorCreatedAt time.Time
	CursorID        uuid.UUID
	Limit           int
}

// ListJobs returns job rows newest-first, optionally filtered by queue and
// status.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]Job, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	q := psql.Select(jobColumns).
		From("job_queue").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))

	if f.Queue != "" {
		q = q.Where(sq.Eq{"queue": f.Queue})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if !f.CursorCreatedAt.IsZero() {
		q = q.Where(sq.Expr("(created_at, id) < (?, ?)", f.CursorCreatedAt, f.CursorID))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs build: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs rows: %w", err)
	}
	return jobs, nil
}

// DeleteTerminalBefore deletes up to batch terminal rows (completed, failed,
// dead) whose last attempt finished more than olderThan ago. Returns the
// number of rows removed; callers loop until it returns less than batch.
func (s *Store) DeleteTerminalBefore(ctx context.Context, olderThan time.Duration, batch int) (int64, error) {
	inner, innerArgs, err := psql.Select("id").
		From("job_queue").
		Where(sq.Eq{"status": []string{string(StatusCompleted), string(StatusFailed), string(StatusDead)}}).
		Where(sq.Expr("last_attempt_finished_at < now() - make_interval(secs => ?)", olderThan.Seconds())).
		Limit(uint64(batch)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("retention delete build: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM job_queue WHERE id IN (%s)", inner), innerArgs...)
	if err != nil {
		return 0, fmt.Errorf("retention delete: %w", err)
	}
	return tag.RowsAffected(), nil
}
