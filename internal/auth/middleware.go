package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/metrics"
	"github.com/alexjbarnes/toolgate/internal/models"
)

// Headers used by trusted internal callers.
const (
	HeaderAPIKey   = "X-API-Key"
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
)

type contextKey int

const (
	ctxSession contextKey = iota
)

// WithSession returns a context carrying the authenticated session.
func WithSession(ctx context.Context, s *models.Session) context.Context {
	return context.WithValue(ctx, ctxSession, s)
}

// SessionFromContext returns the authenticated session, or nil.
func SessionFromContext(ctx context.Context) *models.Session {
	s, _ := ctx.Value(ctxSession).(*models.Session)
	return s
}

// Strategy is one way of trusting a caller. Authenticate returns
// (nil, nil) when the request does not carry this strategy's credential,
// letting the next strategy try.
type Strategy interface {
	Name() string
	Authenticate(r *http.Request) (*models.Session, error)
}

// Authenticator tries its strategies in order and returns the first
// session produced.
type Authenticator struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewAuthenticator creates an authenticator over the given strategies.
func NewAuthenticator(logger *slog.Logger, strategies ...Strategy) *Authenticator {
	return &Authenticator{strategies: strategies, logger: logger}
}

// Authenticate returns the caller's session or an *apperrors.Error.
func (a *Authenticator) Authenticate(r *http.Request) (*models.Session, error) {
	for _, s := range a.strategies {
		session, err := s.Authenticate(r)
		if err != nil {
			a.logger.Debug("authentication failed",
				slog.String("strategy", s.Name()),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)

			return nil, err
		}

		if session != nil {
			a.logger.Debug("authenticated",
				slog.String("strategy", s.Name()),
				slog.String("subject_id", session.SubjectID),
			)

			return session, nil
		}
	}

	return nil, apperrors.Authentication(fmt.Errorf("%w: no usable credential", apperrors.ErrAuthentication))
}

// APIKeyStrategy trusts internal callers presenting the shared service
// key. The caller asserts the acting user through identity headers.
type APIKeyStrategy struct {
	key []byte
}

// NewAPIKeyStrategy creates the static key strategy. An empty key
// disables it.
func NewAPIKeyStrategy(key string) *APIKeyStrategy {
	return &APIKeyStrategy{key: []byte(key)}
}

func (*APIKeyStrategy) Name() string { return "api_key" }

// Authenticate implements Strategy.
func (s *APIKeyStrategy) Authenticate(r *http.Request) (*models.Session, error) {
	if len(s.key) == 0 {
		return nil, nil
	}

	presented := r.Header.Get(HeaderAPIKey)
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), s.key) != 1 {
		return nil, nil
	}

	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return nil, apperrors.Authentication(fmt.Errorf("%w: %s header is required with an API key", apperrors.ErrAuthentication, HeaderUserID))
	}

	return &models.Session{
		SubjectID: userID,
		Name:      r.Header.Get(HeaderUserName),
		Kind:      models.SessionAPIKey,
		Scopes:    []string{models.ScopeAll},
	}, nil
}

// BearerStrategy validates OAuth2 bearer tokens, caching introspection
// results by raw token.
type BearerStrategy struct {
	cache        SessionCache
	introspector Introspector
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewBearerStrategy creates the bearer token strategy.
func NewBearerStrategy(cache SessionCache, introspector Introspector, m *metrics.Metrics, logger *slog.Logger) *BearerStrategy {
	return &BearerStrategy{
		cache:        cache,
		introspector: introspector,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

func (*BearerStrategy) Name() string { return "bearer" }

// Authenticate implements Strategy. It is the last resort, so a missing
// or malformed Authorization header is an error rather than a pass.
func (s *BearerStrategy) Authenticate(r *http.Request) (*models.Session, error) {
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, apperrors.Authentication(fmt.Errorf("%w: missing or malformed bearer token", apperrors.ErrAuthentication))
	}

	ctx := r.Context()

	cached, err := s.cache.Get(ctx, token)
	if err != nil {
		// A broken cache degrades to introspecting every request.
		s.logger.Warn("session cache read failed", slog.String("error", err.Error()))
	}

	if cached != nil && !cached.Expired(s.now()) {
		s.metrics.CacheLookup(true)
		return cached, nil
	}

	s.metrics.CacheLookup(false)

	session, err := s.introspector.Introspect(ctx, token)
	if err != nil {
		return nil, err
	}

	if session.Expired(s.now()) {
		return nil, apperrors.NewOAuthError(http.StatusUnauthorized, "Token expired")
	}

	if err := s.cache.Put(ctx, token, session); err != nil {
		s.logger.Warn("session cache write failed", slog.String("error", err.Error()))
	}

	return session, nil
}

// Invalidate drops a token from the session cache, e.g. on revocation.
func (s *BearerStrategy) Invalidate(ctx context.Context, token string) error {
	return s.cache.Invalidate(ctx, token)
}

// BearerToken extracts the token from an Authorization header value.
// The scheme is matched case-insensitively per RFC 7235.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}

	token := strings.TrimSpace(header[len(prefix):])
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}

	return token, true
}
