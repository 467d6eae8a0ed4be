package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsar_jobs_admitted_total",
			Help: "Total DSAR jobs accepted at admission",
		},
		[]string{"request_type", "region"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsar_jobs_completed_total",
			Help: "Total DSAR jobs that reached COMPLETED",
		},
		[]string{"request_type", "region"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsar_jobs_failed_total",
			Help: "Total DSAR jobs that reached FAILED",
		},
		[]string{"request_type", "region", "error_kind"},
	)

	JobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsar_jobs_retried_total",
			Help: "Total retry requeues after a transient failure",
		},
		[]string{"request_type", "region"},
	)

	JobsCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsar_jobs_cancelled_total",
			Help: "Total DSAR jobs cancelled while pending",
		},
		[]string{"request_type", "region"},
	)

	SlaOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsar_sla_outcomes_total",
			Help: "Completed jobs by SLA compliance",
		},
		[]string{"request_type", "outcome"}, // "met", "missed"
	)

	ExecuteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dsar_execute_duration_seconds",
			Help:    "Duration of one regional-executor attempt",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"request_type", "region"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dsar_queue_depth",
			Help: "Ready dispatch-queue depth per region",
		},
		[]string{"region"},
	)

	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dsar_claim_conflicts_total",
			Help: "Dispatch attempts that lost the claim race",
		},
	)

	AdmissionThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dsar_admission_throttled_total",
			Help: "Claims deferred by the per-minute token bucket",
		},
	)

	StaleRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dsar_stale_requeued_total",
			Help: "Orphaned IN_PROGRESS jobs returned to PENDING by the recovery sweep",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dsar_region_breaker_state",
			Help: "Per-region circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"region"},
	)
)
