package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the billing API counters exposed on /metrics.
type Metrics struct {
	registry       *prometheus.Registry
	deductions     *prometheus.CounterVec
	refunds        *prometheus.CounterVec
	providerEvents *prometheus.CounterVec
	lockContention prometheus.Counter
}

// NewMetrics builds the counter set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		deductions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_deductions_total",
			Help: "Unit deductions by funding source and outcome.",
		}, []string{"source", "status"}),
		refunds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_refunds_total",
			Help: "Refunds by outcome.",
		}, []string{"status"}),
		providerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_provider_events_total",
			Help: "Payment provider webhook events by type and application result.",
		}, []string{"event_type", "applied"}),
		lockContention: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_lock_contention_total",
			Help: "Deductions rejected because the account lock was held.",
		}),
	}
}

func (metrics *Metrics) observeDeduction(source string, status string) {
	if metrics == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	metrics.deductions.WithLabelValues(source, status).Inc()
}

func (metrics *Metrics) observeRefund(status string) {
	if metrics == nil {
		return
	}
	metrics.refunds.WithLabelValues(status).Inc()
}

func (metrics *Metrics) observeProviderEvent(eventType string, applied bool) {
	if metrics == nil {
		return
	}
	appliedLabel := "false"
	if applied {
		appliedLabel = "true"
	}
	metrics.providerEvents.WithLabelValues(eventType, appliedLabel).Inc()
}

func (metrics *Metrics) observeLockContention() {
	if metrics == nil {
		return
	}
	metrics.lockContention.Inc()
}
