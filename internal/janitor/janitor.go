// Package janitor is the housekeeping process for the job_queue table:
// it deletes terminal rows past their retention window in bounded batches
// and runs the stuck-row requeue as a backstop for dead workers.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/hookrelay/hookrelay/internal/store"
)

// Config holds janitor tuning parameters (sourced from config.Config).
type Config struct {
	Interval          time.Duration // sweep cadence
	Retention         time.Duration // terminal rows older than this are deleted
	BatchSize         int
	VisibilityTimeout time.Duration
}

// Janitor runs periodic cleanup sweeps. It holds no state of its own; it is
// safe to run alongside workers and other janitor instances.
type Janitor struct {
	store *store.Store
	cfg   Config
	log   *slog.Logger
}

// New creates a Janitor. Zero config fields get conservative defaults.
func New(st *store.Store, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	return &Janitor{store: st, cfg: cfg, log: slog.Default()}
}

// Run sweeps on a ticker until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	j.log.Info("janitor started",
		"interval", j.cfg.Interval, "retention", j.cfg.Retention)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep: batched retention deletes until a short batch,
// then a stuck-row requeue pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	var deleted int64
	for {
		n, err := j.store.DeleteTerminalBefore(ctx, j.cfg.Retention, j.cfg.BatchSize)
		if err != nil {
			j.log.Error("retention delete", "error", err)
			break
		}
		deleted += n
		if n < int64(j.cfg.BatchSize) {
			break
		}
	}
	if deleted > 0 {
		j.log.Info("retention sweep", "deleted", deleted)
	}

	requeued, deadened, err := j.store.RequeueStuck(ctx, j.cfg.VisibilityTimeout)
	if err != nil {
		j.log.Error("requeue stuck", "error", err)
		return
	}
	if requeued > 0 || deadened > 0 {
		j.log.Info("reclaimed stuck jobs", "requeued", requeued, "deadened", deadened)
	}
}
