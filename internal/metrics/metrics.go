// Package metrics exposes the Prometheus instruments for the usage engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's counters. All methods are safe on a nil
// receiver so callers that don't care about metrics can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	validateDecisions *prometheus.CounterVec
	commitOutcomes    *prometheus.CounterVec
	keyCacheLookups   *prometheus.CounterVec
	expiredTotal      prometheus.Counter
}

// New creates and registers the engine instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		validateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usagegate_validate_decisions_total",
			Help: "Usage validation decisions by access status and deny reason.",
		}, []string{"access", "reason"}),
		commitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usagegate_commit_outcomes_total",
			Help: "Usage commit outcomes.",
		}, []string{"outcome"}),
		keyCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usagegate_key_cache_lookups_total",
			Help: "API key cache lookups by result (hit, miss).",
		}, []string{"result"}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usagegate_expired_reservations_total",
			Help: "Pending reservations expired by the sweeper.",
		}),
	}
	reg.MustRegister(m.validateDecisions, m.commitOutcomes, m.keyCacheLookups, m.expiredTotal)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveValidate records one validation decision.
func (m *Metrics) ObserveValidate(access, reason string) {
	if m == nil {
		return
	}
	m.validateDecisions.WithLabelValues(access, reason).Inc()
}

// ObserveCommit records one commit outcome.
func (m *Metrics) ObserveCommit(outcome string) {
	if m == nil {
		return
	}
	m.commitOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveKeyCache records a key cache hit or miss.
func (m *Metrics) ObserveKeyCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.keyCacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.keyCacheLookups.WithLabelValues("miss").Inc()
	}
}

// ObserveExpired records reservations expired by one sweep.
func (m *Metrics) ObserveExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredTotal.Add(float64(n))
}
