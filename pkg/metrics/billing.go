package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics tracks payment attempts, gateway latency, usage ingestion and
// reconciliation alerts.
type BillingMetrics struct {
	attempts        *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	usageRecords    *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
}

// NewBillingMetrics registers the billing metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "attempts_total",
		Help:      "Payment attempts by outcome.",
	}, []string{"outcome"})
	gatewayDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "gateway_duration_seconds",
		Help:      "Latency of payment gateway collection calls.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"result"})
	usageRecords := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "records_total",
		Help:      "Usage reports by result.",
	}, []string{"result"})
	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "reconciliation_total",
		Help:      "Charges that needed reconciliation, by stage.",
	}, []string{"stage"})
	reg.MustRegister(attempts, gatewayDuration, usageRecords, reconciliations)
	return &BillingMetrics{
		attempts:        attempts,
		gatewayDuration: gatewayDuration,
		usageRecords:    usageRecords,
		reconciliations: reconciliations,
	}
}

// IncAttempt counts one engine attempt with the given outcome.
func (b *BillingMetrics) IncAttempt(outcome string) {
	if b == nil || b.attempts == nil {
		return
	}
	b.attempts.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveGateway records the latency of one gateway call.
func (b *BillingMetrics) ObserveGateway(success bool, duration time.Duration) {
	if b == nil || b.gatewayDuration == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	b.gatewayDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// IncUsage counts a usage report by result (recorded, duplicate, rejected).
func (b *BillingMetrics) IncUsage(result string) {
	if b == nil || b.usageRecords == nil {
		return
	}
	b.usageRecords.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncReconciliation counts reconciliation events by stage (queued, resolved,
// lost, unconfirmed).
func (b *BillingMetrics) IncReconciliation(stage string) {
	if b == nil || b.reconciliations == nil {
		return
	}
	b.reconciliations.WithLabelValues(normalizeLabel(stage)).Inc()
}
