// Package metrics holds the Prometheus collectors exported by the gateway.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "toolgate"

// Metrics groups the gateway's collectors.
type Metrics struct {
	GatewayRequests    *prometheus.CounterVec
	SessionCache       *prometheus.CounterVec
	CredentialRefresh  *prometheus.CounterVec
	BuildWarnings      prometheus.Counter
	RegisteredTools    prometheus.Histogram
	TokenEndpointCalls *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Gateway requests by outcome.",
		}, []string{"outcome"}),
		SessionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cache_lookups_total",
			Help:      "Session cache lookups by result (hit, miss).",
		}, []string{"result"}),
		CredentialRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "OAuth2 credential refreshes by result (ok, error, skipped).",
		}, []string{"result"}),
		BuildWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_warnings_total",
			Help:      "Installed apps skipped while building a tool server.",
		}),
		RegisteredTools: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "registered_tools",
			Help:      "Number of tools registered per ephemeral tool server.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		TokenEndpointCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_endpoint_calls_total",
			Help:      "Calls to third-party token endpoints by operation and result.",
		}, []string{"operation", "result"}),
	}

	reg.MustRegister(
		m.GatewayRequests,
		m.SessionCache,
		m.CredentialRefresh,
		m.BuildWarnings,
		m.RegisteredTools,
		m.TokenEndpointCalls,
	)

	return m
}

// GatewayRequest counts a finished gateway request.
func (m *Metrics) GatewayRequest(outcome string) {
	if m == nil {
		return
	}

	m.GatewayRequests.WithLabelValues(outcome).Inc()
}

// CacheLookup counts a session cache lookup.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	m.SessionCache.WithLabelValues(result).Inc()
}

// Refresh counts a credential refresh attempt.
func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}

	m.CredentialRefresh.WithLabelValues(result).Inc()
}

// BuildWarning counts a skipped app.
func (m *Metrics) BuildWarning() {
	if m == nil {
		return
	}

	m.BuildWarnings.Inc()
}

// ToolsRegistered observes the tool count of a built server.
func (m *Metrics) ToolsRegistered(n int) {
	if m == nil {
		return
	}

	m.RegisteredTools.Observe(float64(n))
}

// TokenEndpoint counts a call to a third-party token endpoint.
func (m *Metrics) TokenEndpoint(operation string, err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	m.TokenEndpointCalls.WithLabelValues(operation, result).Inc()
}
