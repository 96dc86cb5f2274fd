// Package metrics registers the control plane's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors for the control plane.
type Metrics struct {
	SessionsConnected prometheus.Gauge
	AppsAllowed       prometheus.Gauge

	AttestRounds  *prometheus.CounterVec
	ProxyRequests *prometheus.CounterVec
	ProxyDuration prometheus.Histogram
	HealthMisses  prometheus.Counter
}

// New creates and registers all collectors on reg (the default registerer
// when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		SessionsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "easyenclave_sessions_connected",
			Help: "Currently connected agent tunnel sessions",
		}),
		AppsAllowed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "easyenclave_apps_allowed",
			Help: "Apps currently passing every admission check",
		}),
		AttestRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "easyenclave_attest_rounds_total",
			Help: "Attestation rounds by outcome",
		}, []string{"outcome"}), // outcome: valid, invalid, timeout
		ProxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "easyenclave_proxy_requests_total",
			Help: "Tunnelled proxy requests by outcome",
		}, []string{"outcome"}), // outcome: ok, timeout, no_tunnel
		ProxyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "easyenclave_proxy_duration_seconds",
			Help:    "Round-trip latency of tunnelled proxy requests",
			Buckets: prometheus.DefBuckets,
		}),
		HealthMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "easyenclave_health_misses_total",
			Help: "Health watchdog timeouts",
		}),
	}
}
