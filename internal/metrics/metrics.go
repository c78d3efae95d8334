// Package metrics owns the Prometheus collectors for the control loop.
// Each Metrics value has its own registry so tests never share state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "controlcore"

// Metrics groups every collector the runtime updates.
type Metrics struct {
	registry *prometheus.Registry

	cycleDuration  prometheus.Histogram
	cycles         *prometheus.CounterVec
	sourceFailures *prometheus.CounterVec
	providerHealth *prometheus.GaugeVec
	providerCalls  *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	results        *prometheus.CounterVec
	halted         prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one control cycle.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Control cycles by outcome (ok, degraded, overrun).",
		}, []string{"outcome"}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Input source polls that errored or timed out.",
		}, []string{"source"}),
		providerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health",
			Help:      "Reasoning provider health: 0 healthy, 1 degraded, 2 unavailable.",
		}, []string{"provider"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Reasoning provider calls by result.",
		}, []string{"provider", "result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_rejections_total",
			Help:      "Rejected intents by reason code.",
		}, []string{"reason"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_results_total",
			Help:      "Action results by actuator group and status.",
		}, []string{"group", "status"}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safety_halted",
			Help:      "1 while the safety monitor holds the robot HALTED.",
		}),
	}
	m.registry.MustRegister(
		m.cycleDuration, m.cycles, m.sourceFailures, m.providerHealth,
		m.providerCalls, m.rejections, m.results, m.halted,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(d time.Duration, degraded, overrun bool) {
	m.cycleDuration.Observe(d.Seconds())
	switch {
	case overrun:
		m.cycles.WithLabelValues("overrun").Inc()
	case degraded:
		m.cycles.WithLabelValues("degraded").Inc()
	default:
		m.cycles.WithLabelValues("ok").Inc()
	}
}

// SourceFailed counts a skipped source.
func (m *Metrics) SourceFailed(source string) {
	m.sourceFailures.WithLabelValues(source).Inc()
}

// ProviderCall counts one provider attempt; result is "ok", "timeout", "error" or "skipped".
func (m *Metrics) ProviderCall(provider, result string) {
	m.providerCalls.WithLabelValues(provider, result).Inc()
}

// SetProviderHealth publishes the numeric health level of a provider.
func (m *Metrics) SetProviderHealth(provider string, level int) {
	m.providerHealth.WithLabelValues(provider).Set(float64(level))
}

// Rejected counts one rejection.
func (m *Metrics) Rejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// Result counts one action result.
func (m *Metrics) Result(group, status string) {
	m.results.WithLabelValues(group, status).Inc()
}

// SetHalted mirrors the safety state.
func (m *Metrics) SetHalted(halted bool) {
	if halted {
		m.halted.Set(1)
		return
	}
	m.halted.Set(0)
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
