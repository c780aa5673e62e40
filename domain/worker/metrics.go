package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repolens_jobs_processed_total",
		Help: "Jobs completed successfully, by queue.",
	}, []string{"queue"})

	jobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repolens_jobs_failed_total",
		Help: "Jobs whose processing failed, by queue.",
	}, []string{"queue"})

	workersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repolens_workers_running",
		Help: "Fleet members currently running their loop.",
	})
)
