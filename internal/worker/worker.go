// ABOUTME: Consumer worker: polls job_queue, claims batches, executes webhook
// ABOUTME: deliveries, and writes back state transitions. Reaper resets stuck rows.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hookrelay/hookrelay/internal/deliver"
	"github.com/hookrelay/hookrelay/internal/retry"
	"github.com/hookrelay/hookrelay/internal/store"
)

// Config holds worker tuning parameters (sourced from config.Config).
type Config struct {
	Queue             string
	WorkerName        string        // recorded in attempted_by; random suffix added
	PollInterval      time.Duration // base poll cadence
	MaxPollInterval   time.Duration // idle backoff ceiling
	ClaimBatchSize    int
	MaxConcurrent     int // bound on in-flight deliveries
	VisibilityTimeout time.Duration
	ReapInterval      time.Duration
}

// Worker runs the claim-deliver-writeback loop. Many Worker instances may
// run against the same table concurrently; the store's row locking is the
// only coordination between them.
type Worker struct {
	store     *store.Store
	deliverer deliver.Deliverer
	policy    retry.Policy
	cfg       Config
	log       *slog.Logger
	workerID  string
	sem       chan struct{}
	wg        sync.WaitGroup
}

// New creates a Worker. Zero config fields get conservative defaults.
func New(st *store.Store, d deliver.Deliverer, policy retry.Policy, cfg Config) *Worker {
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = 10 * cfg.PollInterval
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = cfg.ClaimBatchSize
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	workerID := cfg.WorkerName
	if workerID == "" {
		workerID = "worker"
	}
	workerID += "/" + uuid.NewString()

	return &Worker{
		store:     st,
		deliverer: d,
		policy:    policy,
		cfg:       cfg,
		log:       slog.Default().With("queue", cfg.Queue, "worker_id", workerID),
		workerID:  workerID,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start runs the poll loop and the reaper until ctx is cancelled, then waits
// for in-flight deliveries to finish their write-back.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("worker started",
		"batch_size", w.cfg.ClaimBatchSize,
		"max_concurrent", w.cfg.MaxConcurrent,
		"poll_interval", w.cfg.PollInterval,
	)

	reapDone := make(chan struct{})
	go func() {
		defer close(reapDone)
		w.runReaper(ctx)
	}()

	// Idle queues back the timer off up to MaxPollInterval; any claimed job
	// snaps it back to the base interval.
	interval := w.cfg.PollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			<-reapDone
			w.log.Info("worker stopped")
			return
		case <-timer.C:
			if n := w.claimAndDispatch(ctx); n > 0 {
				interval = w.cfg.PollInterval
			} else {
				interval = min(interval*2, w.cfg.MaxPollInterval)
			}
			timer.Reset(interval)
		}
	}
}

// RunOnce executes one claim tick and waits for all deliveries to finish.
// Used in tests.
func (w *Worker) RunOnce(ctx context.Context) int {
	n := w.claimAndDispatch(ctx)
	w.wg.Wait()
	return n
}

// claimAndDispatch claims one batch and dispatches each job on its own
// goroutine, bounded by the concurrency semaphore. Returns the batch size.
func (w *Worker) claimAndDispatch(ctx context.Context) int {
	jobs, err := w.store.ClaimBatch(ctx, w.cfg.Queue, w.workerID, w.cfg.ClaimBatchSize)
	if err != nil {
		w.log.Error("claim batch", "error", err)
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}
	jobsClaimed.Add(float64(len(jobs)))

	for _, job := range jobs {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown mid-batch: leave the rest running; the reaper
			// returns them to available after the visibility timeout.
			return len(jobs)
		}
		w.wg.Add(1)
		go func(job store.Job) {
			defer func() { <-w.sem }()
			defer w.wg.Done()
			w.process(ctx, job)
		}(job)
	}
	return len(jobs)
}

// jobMetadata is the per-job delivery tuning carried in the metadata column.
type jobMetadata struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// process delivers one claimed job and writes back the resulting transition.
// Delivery happens outside any database transaction; the row's running
// status is the visibility marker while the HTTP call is in flight.
func (w *Worker) process(ctx context.Context, job store.Job) {
	inflight.Inc()
	defer inflight.Dec()

	var meta jobMetadata
	if len(job.Metadata) > 0 {
		if err := json.Unmarshal(job.Metadata, &meta); err != nil {
			w.log.Warn("bad job metadata, using defaults", "job_id", job.ID, "error", err)
		}
	}

	outcome := w.deliverer.Deliver(ctx, deliver.Request{
		Target:  job.Target,
		Method:  meta.Method,
		Headers: meta.Headers,
		Payload: job.Payload,
	})

	decision := w.policy.Decide(job.Attempt, job.MaxAttempts, classOf(outcome), outcome.RetryAfter)
	w.writeBack(ctx, job, outcome, decision)
}

// writeBack applies a policy decision to the store. A failed write leaves the
// row running; the reaper recovers it after the visibility timeout.
func (w *Worker) writeBack(ctx context.Context, job store.Job, outcome deliver.Outcome, decision retry.Decision) {
	// The delivery may have consumed the whole request timeout; the
	// write-back must still happen even if ctx was cancelled meanwhile.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}

	var err error
	switch decision.Transition {
	case retry.Complete:
		err = w.store.MarkCompleted(ctx, job.ID)
		jobsCompleted.Inc()
	case retry.Retry:
		w.log.Warn("delivery failed, retrying",
			"job_id", job.ID, "attempt", job.Attempt, "status", outcome.StatusCode,
			"delay", decision.Delay, "reason", outcome.Reason)
		err = w.store.MarkRetry(ctx, job.ID, decision.Delay, decision.Queue, outcome.Reason)
		jobsRetried.Inc()
	case retry.Fail:
		w.log.Warn("delivery failed permanently",
			"job_id", job.ID, "attempt", job.Attempt, "status", outcome.StatusCode,
			"reason", outcome.Reason)
		err = w.store.MarkFailed(ctx, job.ID, outcome.Reason)
		jobsFailed.Inc()
	case retry.Dead:
		w.log.Warn("delivery attempts exhausted",
			"job_id", job.ID, "attempt", job.Attempt, "status", outcome.StatusCode,
			"reason", outcome.Reason)
		err = w.store.MarkDead(ctx, job.ID, outcome.Reason)
		jobsDead.Inc()
	}
	if err != nil {
		w.log.Error("write back", "job_id", job.ID, "error", err)
	}
}

// runReaper periodically returns stuck running rows to available, bounding
// the time a crashed worker's claims stay invisible.
func (w *Worker) runReaper(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, deadened, err := w.store.RequeueStuck(ctx, w.cfg.VisibilityTimeout)
			if err != nil {
				w.log.Error("requeue stuck", "error", err)
				continue
			}
			if requeued > 0 || deadened > 0 {
				w.log.Info("reclaimed stuck jobs", "requeued", requeued, "deadened", deadened)
				jobsReaped.Add(float64(requeued + deadened))
			}
		}
	}
}

// classOf translates a delivery outcome into the policy's failure class.
func classOf(o deliver.Outcome) retry.Class {
	switch o.Result {
	case deliver.Success:
		return retry.Success
	case deliver.PermanentFailure:
		return retry.Permanent
	default:
		return retry.Transient
	}
}
