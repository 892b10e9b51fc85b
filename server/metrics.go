package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "livegate"

// Metrics holds the Prometheus collectors for the auth edge.
type Metrics struct {
	registry        *prometheus.Registry
	authResolutions *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	demoExchanges   *prometheus.CounterVec
	discoveryFetch  *prometheus.CounterVec
}

// NewMetrics registers all collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		authResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_resolutions_total",
			Help:      "Requests evaluated by the auth resolver, by matching source and outcome",
		}, []string{"source", "outcome"}),
		tokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_refreshes_total",
			Help:      "Federated access token refresh attempts",
		}, []string{"outcome"}),
		demoExchanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "demo_exchanges_total",
			Help:      "Demo login/signup exchanges",
		}, []string{"kind", "outcome"}),
		discoveryFetch: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "oidc_discovery_fetches_total",
			Help:      "Provider discovery document fetches",
		}, []string{"outcome"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeResolution(source AuthSource, ok bool) {
	if m == nil {
		return
	}
	outcome := "accepted"
	src := string(source)
	if !ok {
		outcome = "rejected"
		src = "none"
	}
	m.authResolutions.WithLabelValues(src, outcome).Inc()
}

func (m *Metrics) observeRefresh(outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeDemoExchange(kind, outcome string) {
	if m == nil {
		return
	}
	m.demoExchanges.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) observeDiscovery(outcome string) {
	if m == nil {
		return
	}
	m.discoveryFetch.WithLabelValues(outcome).Inc()
}
