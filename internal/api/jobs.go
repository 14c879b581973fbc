// ABOUTME: HTTP handlers for the producer surface: enqueue, job detail,
// ABOUTME: filtered listing with keyset cursor, and replay of terminal jobs.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hookrelay/hookrelay/internal/store"
)

// enqueueRequest is the enqueue input shape.
type enqueueRequest struct {
	Queue       string          `json:"queue,omitempty"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	NotBefore   *time.Time      `json:"not_before,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// jobEntry is the list item shape (no payload to keep list responses small).
type jobEntry struct {
	ID          string  `json:"id"`
	Queue       string  `json:"queue"`
	Status      string  `json:"status"`
	Attempt     int     `json:"attempt"`
	MaxAttempts int     `json:"max_attempts"`
	ScheduledAt string  `json:"scheduled_at"`
	AttemptedAt *string `json:"attempted_at,omitempty"`
	Target      string  `json:"target"`
	LastError   *string `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// jobDetail extends jobEntry with the full payload and metadata.
type jobDetail struct {
	jobEntry
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	AttemptedBy []string        `json:"attempted_by,omitempty"`
}

type jobListResponse struct {
	Items      []jobEntry `json:"items"`
	NextCursor *string    `json:"next_cursor,omitempty"`
}

func toJobEntry(j store.Job) jobEntry {
	e := jobEntry{
		ID:          j.ID.String(),
		Queue:       j.Queue,
		Status:      string(j.Status),
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		ScheduledAt: j.ScheduledAt.UTC().Format(time.RFC3339Nano),
		Target:      j.Target,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.AttemptedAt != nil {
		s := j.AttemptedAt.UTC().Format(time.RFC3339Nano)
		e.AttemptedAt = &s
	}
	return e
}

// encodeJobCursor encodes (time, uuid) as a stable string cursor.
// Format: <RFC3339Nano>/<uuid>
func encodeJobCursor(t time.Time, id uuid.UUID) string {
	return t.UTC().Format(time.RFC3339Nano) + "/" + id.String()
}

func decodeJobCursor(s string) (time.Time, uuid.UUID, bool) {
	ts, idStr, ok := strings.Cut(s, "/")
	if !ok {
		return time.Time{}, uuid.Nil, false
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, uuid.Nil, false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return time.Time{}, uuid.Nil, false
	}
	return t, id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// enqueueJobHandler handles POST /api/v1/jobs.
// Missing queue and max_attempts fall back to the configured defaults.
func (srv *Server) enqueueJobHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	queue := req.Queue
	if queue == "" {
		queue = srv.cfg.QueueName
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = srv.cfg.MaxAttemptsDefault
	}

	id, err := srv.store.EnqueueJob(r.Context(), store.NewJob{
		Queue:       queue,
		Target:      req.Target,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
		NotBefore:   req.NotBefore,
		MaxAttempts: maxAttempts,
	})
	if errors.Is(err, store.ErrInvalidJob) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("enqueue job", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

// getJobHandler handles GET /api/v1/jobs/{id}.
func (srv *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad job id", http.StatusBadRequest)
		return
	}

	job, err := srv.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get job", "id", id, "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, jobDetail{
		jobEntry:    toJobEntry(*job),
		Payload:     job.Payload,
		Metadata:    job.Metadata,
		AttemptedBy: job.AttemptedBy,
	})
}

// listJobsHandler handles GET /api/v1/jobs.
// Supports optional filters: queue, status, limit, cursor.
func (srv *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ListFilter{
		Queue:  q.Get("queue"),
		Status: store.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			http.Error(w, "limit must be 1-100", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	if filter.Limit == 0 {
		filter.Limit = 50
	}
	if v := q.Get("cursor"); v != "" {
		t, id, ok := decodeJobCursor(v)
		if !ok {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
		filter.CursorCreatedAt = t
		filter.CursorID = id
	}

	jobs, err := srv.store.ListJobs(r.Context(), filter)
	if err != nil {
		slog.Error("list jobs", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := jobListResponse{Items: make([]jobEntry, 0, len(jobs))}
	for _, j := range jobs {
		resp.Items = append(resp.Items, toJobEntry(j))
	}
	if len(jobs) == filter.Limit {
		last := jobs[len(jobs)-1]
		cursor := encodeJobCursor(last.CreatedAt, last.ID)
		resp.NextCursor = &cursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// queueStatsHandler handles GET /api/v1/queues/{queue}/stats: per-status row
// counts for one queue.
func (srv *Server) queueStatsHandler(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")

	counts, err := srv.store.CountByStatus(r.Context(), queue)
	if err != nil {
		slog.Error("queue stats", "queue", queue, "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	stats := make(map[string]int, len(counts))
	for _, st := range []store.Status{
		store.StatusAvailable, store.StatusRunning, store.StatusCompleted,
		store.StatusFailed, store.StatusDead,
	} {
		stats[string(st)] = counts[st]
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "counts": stats})
}

// replayJobHandler handles POST /api/v1/jobs/{id}/replay: resets a terminal
// failed or dead job back to available with attempt 0.
func (srv *Server) replayJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad job id", http.StatusBadRequest)
		return
	}

	err = srv.store.ReplayJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found or not replayable", http.StatusConflict)
		return
	}
	if err != nil {
		slog.Error("replay job", "id", id, "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
