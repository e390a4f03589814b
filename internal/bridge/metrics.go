package bridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"hermes/pkg/monitoring"
)

// Metrics are optional; a nil *Metrics records nothing.
type Metrics struct {
	Flows       *prometheus.CounterVec
	Settlements *prometheus.CounterVec
}

func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		Flows:       mc.NewCounter("flow_operations_total", "Bridge flow requests by outcome", []string{"flow", "status"}),
		Settlements: mc.NewCounter("settlements_total", "Job settlements by source and outcome", []string{"source", "outcome"}),
	}
}

func (m *Metrics) flow(flow, status string) {
	if m == nil || m.Flows == nil {
		return
	}
	m.Flows.WithLabelValues(flow, status).Inc()
}

func (m *Metrics) settlement(source, outcome string) {
	if m == nil || m.Settlements == nil {
		return
	}
	m.Settlements.WithLabelValues(source, outcome).Inc()
}
