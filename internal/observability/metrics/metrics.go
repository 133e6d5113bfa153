// Package metrics exposes prometheus instrumentation for the collection
// engine. Metrics are registered once on the default registry and shared
// through singleton accessors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomePending   = "pending"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// CollectionMetrics captures payment collection health signals.
type CollectionMetrics struct {
	attempts       *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
	dueBacklog     prometheus.Gauge
	duplicateHits  prometheus.Counter
	reconcileFails prometheus.Counter
	statusChanges  *prometheus.CounterVec
	numberingIters prometheus.Histogram
}

var (
	collectionOnce sync.Once
	collection     *CollectionMetrics
)

// Collection returns the singleton collection metrics registry.
func Collection() *CollectionMetrics {
	collectionOnce.Do(func() {
		collection = &CollectionMetrics{
			attempts: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "corebill_collection_attempts_total",
				Help: "Charge attempts by outcome.",
			}, []string{"outcome"}),
			gatewayLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "corebill_gateway_latency_seconds",
				Help:    "Latency of gateway charge and status calls.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			}, []string{"gateway", "op"}),
			dueBacklog: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "corebill_autopay_due_backlog",
				Help: "Invoices due for automatic collection at last scan.",
			}),
			duplicateHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "corebill_duplicate_payment_attempts_total",
				Help: "Charge attempts rejected by the lock or audit-row idempotency guard.",
			}),
			reconcileFails: promauto.NewCounter(prometheus.CounterOpts{
				Name: "corebill_reconciliation_failures_total",
				Help: "Charges that succeeded at the gateway but failed local persistence.",
			}),
			statusChanges: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "corebill_charge_status_transitions_total",
				Help: "Charge status transitions applied by the reconciler.",
			}, []string{"from", "to"}),
			numberingIters: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "corebill_numbering_iterations",
				Help:    "Candidates probed before a document number was issued.",
				Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
			}),
		}
	})
	return collection
}

func (m *CollectionMetrics) IncAttempt(outcome string) {
	m.attempts.WithLabelValues(outcome).Inc()
}

func (m *CollectionMetrics) ObserveGateway(gateway, op string, d time.Duration) {
	m.gatewayLatency.WithLabelValues(gateway, op).Observe(d.Seconds())
}

func (m *CollectionMetrics) SetDueBacklog(n int) {
	m.dueBacklog.Set(float64(n))
}

func (m *CollectionMetrics) IncDuplicateAttempt() {
	m.duplicateHits.Inc()
}

func (m *CollectionMetrics) IncReconciliationFailure() {
	m.reconcileFails.Inc()
}

func (m *CollectionMetrics) IncStatusTransition(from, to string) {
	m.statusChanges.WithLabelValues(from, to).Inc()
}

func (m *CollectionMetrics) ObserveNumberingIterations(n int) {
	m.numberingIters.Observe(float64(n))
}
