package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -destination=mock_introspector.go -package=auth -source=introspect.go Introspector

// Introspector validates an OAuth2 access token with its issuing
// authority. Rejections are returned as *apperrors.Error values carrying
// the authority's status and message.
type Introspector interface {
	Introspect(ctx context.Context, token string) (*models.Session, error)
}

// maxIntrospectionBody bounds how much of an introspection response is read.
const maxIntrospectionBody = 1 << 20

// HTTPIntrospector calls an RFC 7662 token introspection endpoint.
type HTTPIntrospector struct {
	url          string
	clientID     string
	clientSecret string
	client       *http.Client
	logger       *slog.Logger
}

// NewHTTPIntrospector creates an introspector for the given endpoint. When
// clientID and clientSecret are set they are sent with HTTP Basic auth.
func NewHTTPIntrospector(endpoint, clientID, clientSecret string, timeout time.Duration, logger *slog.Logger) *HTTPIntrospector {
	return &HTTPIntrospector{
		url:          endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

// Introspect implements Introspector.
func (i *HTTPIntrospector) Introspect(ctx context.Context, token string) (*models.Session, error) {
	form := url.Values{"token": {token}}
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating introspection request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if i.clientID != "" && i.clientSecret != "" {
		req.SetBasicAuth(i.clientID, i.clientSecret)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		i.logger.Warn("introspection call failed", slog.String("error", err.Error()))
		return nil, apperrors.NewOAuthError(http.StatusServiceUnavailable, "Token introspection unavailable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIntrospectionBody))
	if err != nil {
		return nil, fmt.Errorf("reading introspection response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewOAuthError(resp.StatusCode, oauthErrorMessage(body, resp.StatusCode))
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("introspection response is not valid JSON")
	}

	res := gjson.ParseBytes(body)
	if !res.Get("active").Bool() {
		return nil, apperrors.NewOAuthError(http.StatusUnauthorized, "Token is not active")
	}

	sub := strings.TrimSpace(res.Get("sub").String())
	if sub == "" {
		return nil, apperrors.NewOAuthError(http.StatusUnauthorized, "Token has no subject")
	}

	session := &models.Session{
		SubjectID: sub,
		Name:      res.Get("username").String(),
		Kind:      models.SessionOAuth2,
		Scopes:    strings.Fields(res.Get("scope").String()),
	}

	if exp := res.Get("exp"); exp.Exists() {
		session.ExpiresAt = time.Unix(exp.Int(), 0)
	}

	return session, nil
}

// oauthErrorMessage extracts a human readable message from an OAuth2
// error body, falling back to the HTTP status text.
func oauthErrorMessage(body []byte, status int) string {
	if gjson.ValidBytes(body) {
		if desc := gjson.GetBytes(body, "error_description").String(); desc != "" {
			return desc
		}

		if code := gjson.GetBytes(body, "error").String(); code != "" {
			return code
		}
	}

	return http.StatusText(status)
}

// JWTIntrospector validates HS256 access tokens signed with a shared key
// locally, without a network round trip.
type JWTIntrospector struct {
	key     []byte
	options []jwt.ParserOption
}

// NewJWTIntrospector creates a local introspector. Empty issuer or
// audience disables the corresponding check.
func NewJWTIntrospector(signingKey []byte, issuer, audience string) *JWTIntrospector {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}

	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &JWTIntrospector{key: signingKey, options: opts}
}

// Introspect implements Introspector.
func (j *JWTIntrospector) Introspect(_ context.Context, token string) (*models.Session, error) {
	claims := jwt.MapClaims{}

	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return j.key, nil
	}, j.options...)
	if err != nil {
		return nil, &apperrors.Error{
			Status:  http.StatusUnauthorized,
			Code:    apperrors.CodeUnauthorized,
			Message: "Invalid access token",
			Err:     err,
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, apperrors.NewOAuthError(http.StatusUnauthorized, "Token has no subject")
	}

	session := &models.Session{
		SubjectID: sub,
		Kind:      models.SessionOAuth2,
		Scopes:    scopesFromClaims(claims),
	}

	if name, ok := claims["name"].(string); ok {
		session.Name = name
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		session.ExpiresAt = exp.Time
	}

	return session, nil
}

// scopesFromClaims reads the space separated "scope" claim, or the "scp"
// array some issuers emit instead.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}

	raw, ok := claims["scp"].([]any)
	if !ok {
		return nil
	}

	scopes := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			scopes = append(scopes, s)
		}
	}

	return scopes
}
