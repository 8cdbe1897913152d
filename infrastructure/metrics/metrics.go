// Package metrics exposes the probe's own health counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the probe's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	SpansRecorded    *prometheus.CounterVec
	SpansDropped     prometheus.Counter
	Transactions     prometheus.Counter
	DeliveryFailures prometheus.Counter
	NPlusOne         prometheus.Counter
}

// New registers the probe collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SpansRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "apm_probe",
				Name:      "spans_recorded_total",
				Help:      "Spans buffered for delivery, by span type.",
			},
			[]string{"type"},
		),
		SpansDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "apm_probe",
			Name:      "spans_dropped_total",
			Help:      "Spans discarded because the request buffer was full.",
		}),
		Transactions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "apm_probe",
			Name:      "transactions_total",
			Help:      "Transactions finalized and handed to the agent.",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "apm_probe",
			Name:      "delivery_failures_total",
			Help:      "Agent send calls that failed.",
		}),
		NPlusOne: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "apm_probe",
			Name:      "n_plus_one_total",
			Help:      "Repeated statements flagged as N+1 queries.",
		}),
	}
}

func (m *Metrics) SpanRecorded(spanType string) {
	if m == nil {
		return
	}
	m.SpansRecorded.WithLabelValues(spanType).Inc()
}

func (m *Metrics) SpanDropped() {
	if m == nil {
		return
	}
	m.SpansDropped.Inc()
}

func (m *Metrics) TransactionFinalized() {
	if m == nil {
		return
	}
	m.Transactions.Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) NPlusOneDetected(n int) {
	if m == nil {
		return
	}
	m.NPlusOne.Add(float64(n))
}
