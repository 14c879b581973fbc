package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookrelay_jobs_claimed_total",
		Help: "Jobs claimed from the queue.",
	})
	jobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookrelay_jobs_completed_total",
		Help: "Jobs whose delivery succeeded.",
	})
	jobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookrelay_jobs_retried_total",
		Help: "Jobs rescheduled after a retryable failure.",
	})
	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookrelay_jobs_failed_total",
		Help: "Jobs dead-lettered on a permanent failure.",
	})
	jobsDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookrelay_jobs_dead_total",
		Help: "Jobs dead-lettered after exhausting max_attempts.",
	})
	jobsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookrelay_jobs_reaped_total",
		Help: "Stuck running jobs recovered by the reaper.",
	})
	inflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookrelay_deliveries_in_flight",
		Help: "Deliveries currently executing.",
	})
)
