package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// gatewayMetrics holds the prometheus collectors on their own registry so
// parallel test servers do not collide.
type gatewayMetrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	approvals   prometheus.Counter
	completions prometheus.Counter
	activations prometheus.Counter
}

func newMetrics() *gatewayMetrics {
	m := &gatewayMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pi_gateway",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		approvals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pi_gateway",
			Name:      "payment_approvals_total",
			Help:      "Payments approved with the Pi platform.",
		}),
		completions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pi_gateway",
			Name:      "payment_completions_total",
			Help:      "Payments completed with the Pi platform.",
		}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pi_gateway",
			Name:      "subscription_activations_total",
			Help:      "Subscriptions activated from completed payments.",
		}),
	}
	m.registry.MustRegister(m.requests, m.approvals, m.completions, m.activations)
	return m
}
