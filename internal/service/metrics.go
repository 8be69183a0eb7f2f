package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	integrityChecks *prometheus.CounterVec
	recorded        *prometheus.CounterVec
}

// NewMetrics registers the service collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		integrityChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "traceledger_integrity_checks_total",
			Help: "Event integrity recomputations by result",
		}, []string{"result"}),
		recorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "traceledger_events_recorded_total",
			Help: "Recorded events by event type and anchoring outcome",
		}, []string{"event_type", "anchor"}),
	}
}

func (m *Metrics) integrity(result string) {
	if m != nil {
		m.integrityChecks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) record(eventType, anchor string) {
	if m != nil {
		m.recorded.WithLabelValues(eventType, anchor).Inc()
	}
}
