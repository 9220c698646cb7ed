package models

import (
	"fmt"
	"time"
)

// ConnectionKind discriminates the stored credential value.
type ConnectionKind string

const (
	ConnectionSecretText ConnectionKind = "secret_text"
	ConnectionOAuth2     ConnectionKind = "oauth2"
)

// Validate rejects kinds this build does not know how to handle.
func (k ConnectionKind) Validate() error {
	switch k {
	case ConnectionSecretText, ConnectionOAuth2:
		return nil
	default:
		return fmt.Errorf("unknown connection kind %q", k)
	}
}

// GrantType is the OAuth2 grant used to obtain a connection's tokens.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
)

// Validate rejects grant types this build does not know how to handle.
func (g GrantType) Validate() error {
	switch g {
	case GrantAuthorizationCode, GrantClientCredentials:
		return nil
	default:
		return fmt.Errorf("unknown grant type %q", g)
	}
}

// AuthorizationMethod is how client credentials reach the token endpoint.
type AuthorizationMethod string

const (
	AuthMethodBody   AuthorizationMethod = "body"
	AuthMethodHeader AuthorizationMethod = "header"
)

// Validate rejects authorization methods this build does not know how to handle.
func (m AuthorizationMethod) Validate() error {
	switch m {
	case AuthMethodBody, AuthMethodHeader:
		return nil
	default:
		return fmt.Errorf("unknown authorization method %q", m)
	}
}

// EncryptedObject is opaque ciphertext. It must never be logged or
// returned to a client.
type EncryptedObject struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// Connection is a stored third-party credential owned by one tenant.
type Connection struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	AppName        string          `json:"app_name"`
	Kind           ConnectionKind  `json:"kind"`
	EncryptedValue EncryptedObject `json:"value"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DefaultExpiresIn is assumed when a provider omits expires_in.
const DefaultExpiresIn = 3600

// RefreshLeeway is how long before expiry a token is treated as expired.
const RefreshLeeway = 900

// OAuth2Value is the decrypted value of an OAuth2 connection.
type OAuth2Value struct {
	AccessToken         string              `json:"access_token"`
	RefreshToken        string              `json:"refresh_token,omitempty"`
	ExpiresIn           int64               `json:"expires_in,omitempty"`
	ClaimedAt           int64               `json:"claimed_at"`
	TokenType           string              `json:"token_type,omitempty"`
	GrantType           GrantType           `json:"grant_type"`
	AuthorizationMethod AuthorizationMethod `json:"authorization_method"`
	ClientID            string              `json:"client_id"`
	ClientSecret        string              `json:"client_secret"`
	TokenURL            string              `json:"token_url"`
	RedirectURL         string              `json:"redirect_url,omitempty"`
	Scope               string              `json:"scope,omitempty"`
	// GrantedScope is what the provider last reported. Scope stays the
	// requested value and is what refreshes ask for.
	GrantedScope string            `json:"granted_scope,omitempty"`
	Props        map[string]string `json:"props,omitempty"`
	// Data echoes whatever else the provider returned, minus the token fields.
	Data map[string]any `json:"data,omitempty"`
}

// IsExpired reports whether the value should be refreshed at now.
// Authorization-code grants without a refresh token can never be
// refreshed and are treated as long-lived.
func (v *OAuth2Value) IsExpired(now time.Time) bool {
	if v.GrantType == GrantAuthorizationCode && v.RefreshToken == "" {
		return false
	}

	expiresIn := v.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = DefaultExpiresIn
	}

	return now.Unix()+RefreshLeeway >= v.ClaimedAt+expiresIn
}

// Credential is a decrypted connection value handed to tool handlers.
// Exactly one of Secret or OAuth2 is set, according to Kind.
type Credential struct {
	ConnectionID string
	Kind         ConnectionKind
	Secret       string
	OAuth2       *OAuth2Value
}

// Wipe drops references to secret material.
func (c *Credential) Wipe() {
	c.Secret = ""
	c.OAuth2 = nil
}
