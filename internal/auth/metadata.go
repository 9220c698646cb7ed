package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProtectedResourceMetadataPath is where MCP clients discover which
// authorization server issues tokens for the gateway (RFC 9728).
const ProtectedResourceMetadataPath = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the RFC 9728 response.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// HandleProtectedResourceMetadata returns the protected resource metadata handler.
func HandleProtectedResourceMetadata(resourceURL, authServerURL string, scopes []string) http.HandlerFunc {
	meta := ProtectedResourceMetadata{
		Resource:               resourceURL,
		AuthorizationServers:   []string{authServerURL},
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(meta)
	}
}

// WWWAuthenticate returns the challenge sent with 401 responses. With no
// public URL configured there is no metadata document to point at.
// error="invalid_token" is included only when a token was presented
// (RFC 6750 Section 3.1).
func WWWAuthenticate(publicURL string, tokenPresented bool) string {
	challenge := "Bearer"
	if tokenPresented {
		challenge += ` error="invalid_token"`
	}

	if publicURL == "" {
		return challenge
	}

	if tokenPresented {
		challenge += ","
	}

	return fmt.Sprintf(`%s resource_metadata="%s%s"`, challenge, publicURL, ProtectedResourceMetadataPath)
}
