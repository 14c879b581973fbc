package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hookrelay/hookrelay/internal/store"
	"github.com/hookrelay/hookrelay/internal/testutil"
)

func TestListJobs_FiltersAndCursor(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for range 5 {
		ids = append(ids, enqueue(t, db, store.NewJob{Queue: "q"}))
	}
	enqueue(t, db, store.NewJob{Queue: "other"})

	claimOne(t, db, "q", "w1")

	// Queue filter.
	jobs, err := db.ListJobs(ctx, store.ListFilter{Queue: "q"})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 5 {
		t.Fatalf("queue filter returned %d rows, want 5", len(jobs))
	}
	for i := 1; i < len(jobs); i++ {
		if jobs[i].CreatedAt.After(jobs[i-1].CreatedAt) {
			t.Errorf("rows not newest-first at index %d", i)
		}
	}

	// Status filter.
	running, err := db.ListJobs(ctx, store.ListFilter{Queue: "q", Status: store.StatusRunning})
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 1 {
		t.Errorf("status filter returned %d rows, want 1", len(running))
	}

	// Keyset pagination: two pages of 3+2 cover all five rows exactly once.
	page1, err := db.ListJobs(ctx, store.ListFilter{Queue: "q", Limit: 3})
	if err != nil {
		t.Fatalf("list page1: %v", err)
	}
	if len(page1) != 3 {
		t.Fatalf("page1 has %d rows, want 3", len(page1))
	}
	last := page1[len(page1)-1]
	page2, err := db.ListJobs(ctx, store.ListFilter{
		Queue:           "q",
		Limit:           3,
		CursorCreatedAt: last.CreatedAt,
		CursorID:        last.ID,
	})
	if err != nil {
		t.Fatalf("list page2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page2 has %d rows, want 2", len(page2))
	}
	seen := make(map[uuid.UUID]bool)
	for _, j := range append(page1, page2...) {
		if seen[j.ID] {
			t.Errorf("job %s appears on both pages", j.ID)
		}
		seen[j.ID] = true
	}
	if len(seen) != len(ids) {
		t.Errorf("pages cover %d jobs, want %d", len(seen), len(ids))
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	oldDone := enqueue(t, db, store.NewJob{Queue: "q"})
	recentDone := enqueue(t, db, store.NewJob{Queue: "q"})
	pending := enqueue(t, db, store.NewJob{Queue: "q"})

	for range 2 {
		j := claimOne(t, db, "q", "w1")
		if err := db.MarkCompleted(ctx, j.ID); err != nil {
			t.Fatalf("mark completed: %v", err)
		}
	}

	// Age one terminal row past the retention window.
	if _, err := db.Pool().Exec(ctx,
		`UPDATE job_queue SET last_attempt_finished_at = now() - interval '60 days' WHERE id = $1`,
		oldDone); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	deleted, err := db.DeleteTerminalBefore(ctx, 30*24*time.Hour, 100)
	if err != nil {
		t.Fatalf("delete terminal: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d rows, want 1", deleted)
	}

	if _, err := db.GetJob(ctx, oldDone); err == nil {
		t.Error("old terminal row still present")
	}
	if _, err := db.GetJob(ctx, recentDone); err != nil {
		t.Errorf("recent terminal row removed: %v", err)
	}
	if _, err := db.GetJob(ctx, pending); err != nil {
		t.Errorf("pending row removed: %v", err)
	}
}
