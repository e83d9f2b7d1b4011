// Package metrics defines the Prometheus instrumentation for the checkout
// path and reconciliation queue.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registered collectors. Construct one per process (or per
// test with a fresh registry).
type Metrics struct {
	CheckoutOutcomes       *prometheus.CounterVec
	CheckoutDuration       prometheus.Histogram
	AuthTimeouts           prometheus.Counter
	ReconciliationsCreated *prometheus.CounterVec
	CashSessionVariance    prometheus.Histogram
}

// New registers the collectors with reg; nil means the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CheckoutOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salepoint",
			Subsystem: "checkout",
			Name:      "outcomes_total",
			Help:      "Checkout attempts by payment method and outcome.",
		}, []string{"method", "outcome"}),
		CheckoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "salepoint",
			Subsystem: "checkout",
			Name:      "duration_seconds",
			Help:      "Wall time of the stage-authorize-commit sequence.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		AuthTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "salepoint",
			Subsystem: "payment",
			Name:      "auth_timeouts_total",
			Help:      "Card authorizations that timed out with an unknown outcome.",
		}),
		ReconciliationsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salepoint",
			Subsystem: "reconciliation",
			Name:      "records_created_total",
			Help:      "Reconciliation records created, by reason.",
		}, []string{"reason"}),
		CashSessionVariance: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "salepoint",
			Subsystem: "cash",
			Name:      "session_variance_cents",
			Help:      "Absolute drawer variance observed at session close.",
			Buckets:   []float64{0, 100, 500, 1000, 5000, 10000},
		}),
	}
}

func (m *Metrics) ObserveCheckout(method, outcome string, elapsed time.Duration) {
	m.CheckoutOutcomes.WithLabelValues(method, outcome).Inc()
	m.CheckoutDuration.Observe(elapsed.Seconds())
}
