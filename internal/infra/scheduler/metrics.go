package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// JobMetrics tracks background job executions.
//
//   - admission_job_runs_total{job,status}
//   - admission_job_duration_seconds{job}
//   - admission_job_last_success_timestamp{job}
type JobMetrics struct {
	RunsTotal            *prometheus.CounterVec
	DurationSeconds      *prometheus.HistogramVec
	LastSuccessTimestamp *prometheus.GaugeVec
}

// NewJobMetrics registers the job metrics with reg.
func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	f := promauto.With(reg)
	return &JobMetrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_job_runs_total",
			Help: "Background job runs by job and status (success/failure)",
		}, []string{"job", "status"}),

		DurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admission_job_duration_seconds",
			Help:    "Background job duration in seconds",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 30},
		}, []string{"job"}),

		LastSuccessTimestamp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admission_job_last_success_timestamp",
			Help: "Unix timestamp of the last successful run of each job",
		}, []string{"job"}),
	}
}

// RecordRun records one execution.
func (m *JobMetrics) RecordRun(job, status string, d time.Duration) {
	m.RunsTotal.WithLabelValues(job, status).Inc()
	m.DurationSeconds.WithLabelValues(job).Observe(d.Seconds())
	if status == "success" {
		m.LastSuccessTimestamp.WithLabelValues(job).SetToCurrentTime()
	}
}
