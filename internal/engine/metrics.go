package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "async_jobs_submitted_total",
			Help: "Total number of jobs accepted for execution.",
		},
		[]string{"kind"},
	)

	jobOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "async_job_outcomes_total",
			Help: "Total number of recorded attempt outcomes by resulting job state.",
		},
		[]string{"kind", "state"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "async_job_duration_seconds",
			Help:    "Handler execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "async_jobs_in_flight",
			Help: "Number of jobs currently executing.",
		},
	)

	leaseConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "async_lease_conflicts_total",
			Help: "Total number of lease attempts lost to another owner.",
		},
	)

	leasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "async_leases_reclaimed_total",
			Help: "Total number of expired leases returned to pending.",
		},
	)

	lostOutcomesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "async_lost_outcomes_total",
			Help: "Total number of outcomes rejected because the lease had moved to another owner.",
		},
	)

	submitRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "async_submit_rejected_total",
			Help: "Total number of submissions rejected by admission control.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsSubmittedTotal)
	prometheus.MustRegister(jobOutcomesTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(jobsInFlight)
	prometheus.MustRegister(leaseConflictsTotal)
	prometheus.MustRegister(leasesReclaimedTotal)
	prometheus.MustRegister(lostOutcomesTotal)
	prometheus.MustRegister(submitRejectedTotal)
}
