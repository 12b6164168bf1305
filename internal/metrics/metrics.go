// Package metrics exposes the study service's Prometheus collectors. All
// collectors live on one dedicated registry so tests can instantiate the
// package without colliding with the default global registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	trialsTotal     *prometheus.CounterVec
	samplerSelected *prometheus.CounterVec
	trialDuration   prometheus.Histogram
	httpRequests    *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		trialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunehub_trials_total",
			Help: "Finished trials by terminal state.",
		}, []string{"state"}),
		samplerSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunehub_sampler_selected_total",
			Help: "Delegate strategies chosen by the auto policy, by name.",
		}, []string{"sampler"}),
		trialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tunehub_trial_duration_seconds",
			Help:    "Wall time from ask to tell.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunehub_http_requests_total",
			Help: "HTTP requests by status code and route pattern.",
		}, []string{"code", "path"}),
	}

	m.registry.MustRegister(
		m.trialsTotal,
		m.samplerSelected,
		m.trialDuration,
		m.httpRequests,
	)
	return m
}

// TrialFinished counts one finished trial and its ask-to-tell wall time.
func (m *Metrics) TrialFinished(state string, seconds float64) {
	m.trialsTotal.WithLabelValues(state).Inc()
	m.trialDuration.Observe(seconds)
}

// SamplerSelected counts one delegate choice by the auto policy.
func (m *Metrics) SamplerSelected(name string) {
	m.samplerSelected.WithLabelValues(name).Inc()
}

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(code, path string) {
	m.httpRequests.WithLabelValues(code, path).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
