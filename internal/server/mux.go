// Package server provides HTTP server construction for toolgate.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/alexjbarnes/toolgate/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes is implemented by components that register their own endpoints.
type Routes interface {
	Routes(r chi.Router)
}

// MuxConfig holds dependencies for building the HTTP router.
type MuxConfig struct {
	Gateway Routes

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// PublicURL and AuthorizationServerURL enable the protected resource
	// metadata document when both are set.
	PublicURL              string
	AuthorizationServerURL string
	Scopes                 []string
}

// NewMux builds the router with health, metrics, OAuth discovery and the
// gateway endpoints.
func NewMux(cfg MuxConfig) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handleHealth)

	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	if cfg.PublicURL != "" && cfg.AuthorizationServerURL != "" {
		r.HandleFunc(auth.ProtectedResourceMetadataPath,
			auth.HandleProtectedResourceMetadata(cfg.PublicURL, cfg.AuthorizationServerURL, cfg.Scopes))
	}

	cfg.Gateway.Routes(r)

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
