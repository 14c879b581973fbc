// ABOUTME: Integration tests for the claim-deliver-writeback loop against a
// ABOUTME: real Postgres and an httptest destination.
package worker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hookrelay/hookrelay/internal/deliver"
	"github.com/hookrelay/hookrelay/internal/retry"
	"github.com/hookrelay/hookrelay/internal/store"
	"github.com/hookrelay/hookrelay/internal/testutil"
	"github.com/hookrelay/hookrelay/internal/worker"
)

// newTestWorker builds a worker with a plain (non-safeurl) HTTP client so it
// can reach httptest loopback servers, and a fast deterministic retry policy.
func newTestWorker(db *testutil.TestDB, queue string) *worker.Worker {
	client := &http.Client{Timeout: 5 * time.Second}
	d := deliver.NewHTTPDeliverer(client, 5*time.Second, "")
	// No jitter so retry schedules stay exact for assertions.
	policy := retry.Policy{
		InitialInterval:       time.Second,
		BackoffCoefficient:    2,
		DeadLetterOnPermanent: true,
	}
	return worker.New(db.Store, d, policy, worker.Config{
		Queue:          queue,
		WorkerName:     "test",
		ClaimBatchSize: 10,
		MaxConcurrent:  4,
	})
}

func enqueue(t *testing.T, db *testutil.TestDB, n store.NewJob) uuid.UUID {
	t.Helper()
	if n.Payload == nil {
		n.Payload = json.RawMessage(`{"event":"test"}`)
	}
	if n.MaxAttempts == 0 {
		n.MaxAttempts = 3
	}
	id, err := db.EnqueueJob(context.Background(), n)
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}
	return id
}

func getJob(t *testing.T, db *testutil.TestDB, id uuid.UUID) *store.Job {
	t.Helper()
	j, err := db.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return j
}

func TestWorker_SuccessfulDelivery(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			gotBody.Store(string(body))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	id := enqueue(t, db, store.NewJob{
		Queue:   "q",
		Target:  srv.URL,
		Payload: json.RawMessage(`{"event":"signup"}`),
	})

	w := newTestWorker(db, "q")
	if n := w.RunOnce(ctx); n != 1 {
		t.Fatalf("RunOnce claimed %d jobs, want 1", n)
	}

	j := getJob(t, db, id)
	if j.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", j.Status)
	}
	if got, _ := gotBody.Load().(string); got != `{"event":"signup"}` {
		t.Errorf("delivered body = %q", got)
	}
}

func TestWorker_RetryOn500(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	id := enqueue(t, db, store.NewJob{Queue: "q", Target: srv.URL, MaxAttempts: 3})

	w := newTestWorker(db, "q")
	if n := w.RunOnce(ctx); n != 1 {
		t.Fatalf("RunOnce claimed %d jobs, want 1", n)
	}

	j := getJob(t, db, id)
	if j.Status != store.StatusAvailable {
		t.Fatalf("status = %s, want available (scheduled retry)", j.Status)
	}
	if j.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", j.Attempt)
	}
	if !j.ScheduledAt.After(time.Now()) {
		t.Errorf("scheduled_at = %v, want in the future", j.ScheduledAt)
	}
	if j.LastError == nil {
		t.Error("last_error not recorded")
	}

	// Not due yet, so an immediate second tick claims nothing.
	if n := w.RunOnce(ctx); n != 0 {
		t.Errorf("second RunOnce claimed %d jobs, want 0", n)
	}
}

func TestWorker_DeadAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	id := enqueue(t, db, store.NewJob{Queue: "q", Target: srv.URL, MaxAttempts: 1})

	w := newTestWorker(db, "q")
	w.RunOnce(ctx)

	j := getJob(t, db, id)
	if j.Status != store.StatusDead {
		t.Errorf("status = %s, want dead", j.Status)
	}
	if hits.Load() != 1 {
		t.Errorf("destination hit %d times, want 1", hits.Load())
	}
	if j.LastError == nil {
		t.Error("last_error not recorded")
	}
}

func TestWorker_PermanentFailureDeadLetters(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	// MaxAttempts 5, but a 404 is permanent: dead-letter on the first try.
	id := enqueue(t, db, store.NewJob{Queue: "q", Target: srv.URL, MaxAttempts: 5})

	w := newTestWorker(db, "q")
	w.RunOnce(ctx)

	j := getJob(t, db, id)
	if j.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", j.Status)
	}
	if j.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", j.Attempt)
	}
}

func TestWorker_MetadataMethodAndHeaders(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	var gotMethod, gotHeader atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod.Store(r.Method)
		gotHeader.Store(r.Header.Get("X-Event-Kind"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	enqueue(t, db, store.NewJob{
		Queue:    "q",
		Target:   srv.URL,
		Metadata: json.RawMessage(`{"method":"PUT","headers":{"X-Event-Kind":"signup"}}`),
	})

	newTestWorker(db, "q").RunOnce(ctx)

	if m, _ := gotMethod.Load().(string); m != http.MethodPut {
		t.Errorf("method = %q, want PUT", m)
	}
	if h, _ := gotHeader.Load().(string); h != "signup" {
		t.Errorf("X-Event-Kind = %q, want signup", h)
	}
}

func TestWorker_RunOnceEmptyQueue(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	if n := newTestWorker(db, "empty").RunOnce(context.Background()); n != 0 {
		t.Errorf("RunOnce on empty queue claimed %d jobs, want 0", n)
	}
}

func TestWorker_DrainsBatchAcrossMultipleJobs(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	const total = 8
	ids := make([]uuid.UUID, 0, total)
	for range total {
		ids = append(ids, enqueue(t, db, store.NewJob{Queue: "q", Target: srv.URL}))
	}

	w := newTestWorker(db, "q")
	if n := w.RunOnce(ctx); n != total {
		t.Fatalf("RunOnce claimed %d jobs, want %d", n, total)
	}
	if hits.Load() != total {
		t.Errorf("destination hit %d times, want %d", hits.Load(), total)
	}
	for _, id := range ids {
		if j := getJob(t, db, id); j.Status != store.StatusCompleted {
			t.Errorf("job %s status = %s, want completed", id, j.Status)
		}
	}
}
