// Package store provides the data access layer for the job_queue table.
// All queries run on pgx native connections. The claim path uses
// FOR UPDATE SKIP LOCKED so concurrent workers never block on each other's
// rows; every state transition is a single atomic statement.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInvalidJob is returned by EnqueueJob when the input fails validation.
// The job is never created.
var ErrInvalidJob = errors.New("invalid job")

// ErrNotFound is returned when a job id does not exist or is not in a state
// the requested transition accepts.
var ErrNotFound = errors.New("job not found")

// Store is the central data access object for the job queue.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need direct access
// (readiness checks, test fixtures).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies database connectivity. Used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
