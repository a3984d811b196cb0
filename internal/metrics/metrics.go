// Package metrics holds the prometheus collectors for ingestion and the
// scheduled jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "packetmeter"

// Metrics groups every collector the service exports
type Metrics struct {
	ReportsReceived  *prometheus.CounterVec
	ReportsRejected  *prometheus.CounterVec
	RecordsApplied   prometheus.Counter
	AppsRegistered   prometheus.Counter
	HealthChecks     prometheus.Counter
	RetentionRuns    *prometheus.CounterVec
	RetentionDeleted prometheus.Counter
	RetentionUsers   *prometheus.CounterVec
	DigestsSent      prometheus.Counter
	DigestsFailed    prometheus.Counter
	JobDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReportsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "reports_received_total",
			Help:      "Usage reports accepted, by report kind.",
		}, []string{"kind"}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "reports_rejected_total",
			Help:      "Usage reports rejected, by error code.",
		}, []string{"code"}),
		RecordsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_applied_total",
			Help:      "Hourly usage rows written.",
		}),
		AppsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "apps_registered_total",
			Help:      "App metadata entries registered.",
		}),
		HealthChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "health_checks_total",
			Help:      "Device health checks accepted.",
		}),
		RetentionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Retention sweeps, by trigger.",
		}, []string{"trigger"}),
		RetentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "records_deleted_total",
			Help:      "Usage rows deleted by retention.",
		}),
		RetentionUsers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "users_total",
			Help:      "Users visited by retention sweeps, by outcome.",
		}, []string{"outcome"}),
		DigestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digest",
			Name:      "sent_total",
			Help:      "Usage digests delivered.",
		}),
		DigestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digest",
			Name:      "failed_total",
			Help:      "Usage digests that could not be built or delivered.",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.ReportsReceived,
		m.ReportsRejected,
		m.RecordsApplied,
		m.AppsRegistered,
		m.HealthChecks,
		m.RetentionRuns,
		m.RetentionDeleted,
		m.RetentionUsers,
		m.DigestsSent,
		m.DigestsFailed,
		m.JobDuration,
	)
	return m
}
