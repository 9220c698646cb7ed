// Package tenant maps an opaque server token and an authenticated session
// to the tenant's server configuration. It is the tenant isolation
// boundary: a token is only honoured for the session that owns it.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
)

// Store is the persistence the resolver reads from.
type Store interface {
	FindServerConfig(token, ownerID string) (*models.ServerConfig, error)
	GetTenantSettings(ownerID string) (models.TenantSettings, error)
}

// Resolved is a server configuration together with the owner's settings.
type Resolved struct {
	Server   *models.ServerConfig
	Settings models.TenantSettings
}

// Resolver resolves server tokens for authenticated sessions.
type Resolver struct {
	store         Store
	requiredScope string
	logger        *slog.Logger
}

// NewResolver creates a resolver. OAuth2 sessions must carry
// requiredScope; an empty value disables the check.
func NewResolver(store Store, requiredScope string, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, requiredScope: requiredScope, logger: logger}
}

// Resolve returns the configuration behind token if session owns it.
// A token that does not exist and a token owned by someone else are
// indistinguishable to the caller.
func (r *Resolver) Resolve(_ context.Context, token string, session *models.Session) (*Resolved, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: server token is required", apperrors.ErrBadRequest)
	}

	if session == nil || session.SubjectID == "" {
		return nil, apperrors.Authentication(fmt.Errorf("%w: no session", apperrors.ErrAuthentication))
	}

	if r.requiredScope != "" && session.Kind == models.SessionOAuth2 && !session.HasScope(r.requiredScope) {
		return nil, &apperrors.Error{
			Status:  http.StatusUnauthorized,
			Code:    apperrors.CodeUnauthorized,
			Message: fmt.Sprintf("Insufficient scope: %s required", r.requiredScope),
			Err:     apperrors.ErrInsufficientScope,
		}
	}

	sc, err := r.store.FindServerConfig(token, session.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("loading server config: %w", err)
	}

	if sc == nil {
		r.logger.Debug("server token not found for subject", slog.String("owner_id", session.SubjectID))
		return nil, fmt.Errorf("%w: server", apperrors.ErrNotFound)
	}

	settings, err := r.store.GetTenantSettings(sc.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("loading tenant settings: %w", err)
	}

	return &Resolved{Server: sc, Settings: settings}, nil
}
