package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
)

// Revoker forgets a bearer token's cached session.
type Revoker interface {
	Invalidate(ctx context.Context, token string) error
}

type revokeRequest struct {
	Token string `json:"token"`
}

// revokeSession drops a revoked bearer token from the session cache so
// the next request carrying it is introspected again. Only internal
// services holding the API key may call it.
func (g *Gateway) revokeSession(w http.ResponseWriter, r *http.Request) {
	session, err := g.cfg.Authenticator.Authenticate(r)
	if err != nil {
		g.fail(w, r, err, nil)
		return
	}

	if session.Kind != models.SessionAPIKey {
		g.fail(w, r, &apperrors.Error{
			Status:  http.StatusForbidden,
			Code:    apperrors.CodeUnauthorized,
			Message: "Forbidden",
			Err:     errors.New("session revocation requires the service API key"),
		}, nil)

		return
	}

	var req revokeRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	token := strings.TrimSpace(req.Token)
	if token == "" {
		g.fail(w, r, fmt.Errorf("%w: token is required", apperrors.ErrBadRequest), nil)
		return
	}

	if err := g.cfg.Revoker.Invalidate(r.Context(), token); err != nil {
		g.fail(w, r, fmt.Errorf("invalidating session: %w", err), nil)
		return
	}

	g.logger(r).Info("session revoked", slog.String("caller", session.SubjectID))
	w.WriteHeader(http.StatusNoContent)
}
