package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job worker metrics.
var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Duration of job processing in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)
)

// Segmentation run metrics.
var (
	SegmentationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentation_runs_total",
			Help: "Tenant segmentation runs by terminal outcome",
		},
		[]string{"outcome"},
	)

	SegmentationRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "segmentation_run_duration_seconds",
			Help:    "Duration of a tenant segmentation run in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	CustomersSegmented = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentation_customers_segmented_total",
			Help: "Customers whose segment was persisted",
		},
		[]string{"segment"},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segmentation_persist_failures_total",
			Help: "Customer segment writes that failed",
		},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentation_notifications_total",
			Help: "Notification records, one per channel attempt or skip, by segment and delivery status",
		},
		[]string{"segment", "status"},
	)
)
