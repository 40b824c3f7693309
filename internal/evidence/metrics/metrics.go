package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the evidence pipeline.
type Metrics struct {
	// Intake outcomes by result
	RegistrationsTotal *prometheus.CounterVec

	// Lifecycle transitions by target status
	TransitionsTotal *prometheus.CounterVec

	// Ledger call latencies by endpoint and outcome
	LedgerLatency *prometheus.HistogramVec

	// Submissions waiting in the orchestrator queue
	QueueDepth prometheus.Gauge

	// Verification outcomes by result and source
	VerificationsTotal *prometheus.CounterVec

	// Records repaired by the reconciler, by repair kind
	ReconcileRepairs *prometheus.CounterVec
}

// New creates a Metrics instance with all pipeline metrics registered.
func New() *Metrics {
	return &Metrics{
		RegistrationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorline_registrations_total",
			Help: "Total evidence registration attempts by result",
		}, []string{"result"}), // result: "accepted", "conflict", "integrity", "invalid"

		TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorline_transitions_total",
			Help: "Total record lifecycle transitions by target status",
		}, []string{"to"}),

		LedgerLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anchorline_ledger_duration_seconds",
			Help:    "Duration of ledger calls by endpoint and outcome",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint", "outcome"}), // outcome: "ok", "rejected", "transient", "circuit_open"

		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "anchorline_orchestrator_queue_depth",
			Help: "Submissions currently waiting for an orchestrator worker",
		}),

		VerificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorline_verifications_total",
			Help: "Total verification queries by result and answering source",
		}, []string{"result", "source"}),

		ReconcileRepairs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorline_reconcile_repairs_total",
			Help: "Records repaired by the reconciliation loop by repair kind",
		}, []string{"kind"}), // kind: "confirmed", "failed", "requeued"
	}
}

// IncrementRegistration records one intake outcome.
func (m *Metrics) IncrementRegistration(result string) {
	if m != nil {
		m.RegistrationsTotal.WithLabelValues(result).Inc()
	}
}

// IncrementTransition records one lifecycle transition.
func (m *Metrics) IncrementTransition(to string) {
	if m != nil {
		m.TransitionsTotal.WithLabelValues(to).Inc()
	}
}

// ObserveLedgerLatency records the duration of one ledger call.
func (m *Metrics) ObserveLedgerLatency(endpoint, outcome string, d time.Duration) {
	if m != nil {
		m.LedgerLatency.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
	}
}

// SetQueueDepth records the current orchestrator queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m != nil {
		m.QueueDepth.Set(float64(depth))
	}
}

// IncrementVerification records one verification outcome.
func (m *Metrics) IncrementVerification(result, source string) {
	if m != nil {
		m.VerificationsTotal.WithLabelValues(result, source).Inc()
	}
}

// IncrementRepair records one reconciler repair.
func (m *Metrics) IncrementRepair(kind string) {
	if m != nil {
		m.ReconcileRepairs.WithLabelValues(kind).Inc()
	}
}
