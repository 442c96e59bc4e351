// Package metrics counts login outcomes and guard decisions. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portal_session"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	logins   *prometheus.CounterVec
	guard    *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_steps_total",
			Help:      "Login protocol steps by step and outcome.",
		}, []string{"step", "outcome"}),
		guard: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Access guard decisions by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(m.logins, m.guard)

	return m
}

// ObserveLogin counts one login step (credentials, otp, resend) with
// its outcome (ok, invalid, rejected, token_error, busy).
func (m *Metrics) ObserveLogin(step, outcome string) {
	if m == nil {
		return
	}

	m.logins.WithLabelValues(step, outcome).Inc()
}

// ObserveGuard counts one guard decision.
func (m *Metrics) ObserveGuard(reason string) {
	if m == nil {
		return
	}

	m.guard.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
