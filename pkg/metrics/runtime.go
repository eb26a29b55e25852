package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Runtime holds the worker and sweeper loop metrics. Series are registered
// on the registerer passed in, never on the global default.
type Runtime struct {
	// RecordsClaimedTotal tracks source records claimed by workers
	RecordsClaimedTotal prometheus.Counter

	// RecordsCompletedTotal tracks completed records by final status
	RecordsCompletedTotal *prometheus.CounterVec

	// LeaseLostTotal tracks completions rejected because the lease moved on
	LeaseLostTotal prometheus.Counter

	// RecordsInFlight tracks records currently being resolved
	RecordsInFlight prometheus.Gauge

	// BatchDuration tracks how long one claimed batch takes
	BatchDuration prometheus.Histogram

	// SweepRunsTotal tracks sweeper cycles by result
	SweepRunsTotal *prometheus.CounterVec

	// RecordsReclaimedTotal tracks stale records returned to PENDING
	RecordsReclaimedTotal prometheus.Counter

	// EventsPublishedTotal tracks linkage events by result
	EventsPublishedTotal *prometheus.CounterVec
}

// NewRuntime registers the loop metrics on reg
func NewRuntime(reg prometheus.Registerer) *Runtime {
	factory := promauto.With(reg)
	return &Runtime{
		RecordsClaimedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "records_claimed_total",
			Help:      "Total number of source records claimed",
		}),
		RecordsCompletedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "records_completed_total",
			Help:      "Total number of source records completed by final status",
		}, []string{"status"}),
		LeaseLostTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "lease_lost_total",
			Help:      "Completions rejected because the record was reclaimed",
		}),
		RecordsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "records_in_flight",
			Help:      "Number of source records currently being resolved",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one claimed batch in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		SweepRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Total number of sweeper cycles by result",
		}, []string{"result"}),
		RecordsReclaimedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "records_reclaimed_total",
			Help:      "Total number of stale PROCESSING records returned to PENDING",
		}),
		EventsPublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "linkages_published_total",
			Help:      "Total number of linkage events by publish result",
		}, []string{"result"}),
	}
}
