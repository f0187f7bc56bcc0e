package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the funding collectors. A nil *Metrics records nothing.
type Metrics struct {
	polls               *prometheus.CounterVec
	pollInterval        *prometheus.GaugeVec
	bridgeStates        *prometheus.CounterVec
	integrityViolations prometheus.Counter
	noRoute             prometheus.Counter
	safeResults         *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funding_polls_total",
				Help: "Refreshes performed by pollers, by target and result",
			},
			[]string{"target", "result"},
		),
		pollInterval: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "funding_poll_interval_seconds",
				Help: "Effective wait before the next refresh, by target",
			},
			[]string{"target"},
		),
		bridgeStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funding_bridge_states_total",
				Help: "Bridge execution states accepted, by overall status",
			},
			[]string{"status"},
		),
		integrityViolations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "funding_bridge_integrity_violations_total",
				Help: "Bridge status updates rejected for regressing a finished leg",
			},
		),
		noRoute: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "funding_bridge_no_route_total",
				Help: "Refill quotes answered as unserviceable",
			},
		),
		safeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funding_safe_results_total",
				Help: "Safe creation results, by backend status",
			},
			[]string{"status"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.polls, m.pollInterval, m.bridgeStates, m.integrityViolations, m.noRoute, m.safeResults)
	}
	return m
}

func (m *Metrics) ObservePoll(target string, err error, wait time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.polls.WithLabelValues(target, result).Inc()
	m.pollInterval.WithLabelValues(target).Set(wait.Seconds())
}

func (m *Metrics) BridgeState(status string) {
	if m == nil {
		return
	}
	m.bridgeStates.WithLabelValues(status).Inc()
}

func (m *Metrics) IntegrityViolation() {
	if m == nil {
		return
	}
	m.integrityViolations.Inc()
}

func (m *Metrics) NoRoute() {
	if m == nil {
		return
	}
	m.noRoute.Inc()
}

func (m *Metrics) SafeResult(status string) {
	if m == nil {
		return
	}
	m.safeResults.WithLabelValues(status).Inc()
}
