// Package models defines types shared across internal packages.
package models

import (
	"slices"
	"time"
)

// SessionKind identifies which trust path produced a Session.
type SessionKind string

const (
	SessionAPIKey SessionKind = "api_key"
	SessionOAuth2 SessionKind = "oauth2"
)

// ScopeAll is granted to trusted internal callers and satisfies any scope check.
const ScopeAll = "*"

// Session is an authenticated caller identity.
type Session struct {
	SubjectID string      `json:"subject_id"`
	Name      string      `json:"name,omitempty"`
	Kind      SessionKind `json:"kind"`
	Scopes    []string    `json:"scopes,omitempty"`
	// ExpiresAt is zero for sessions without expiry (static API key).
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the session has passed its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// HasScope reports whether the session was granted scope.
func (s *Session) HasScope(scope string) bool {
	return slices.Contains(s.Scopes, ScopeAll) || slices.Contains(s.Scopes, scope)
}
