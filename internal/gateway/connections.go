package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/toolgate/internal/catalog"
	"github.com/alexjbarnes/toolgate/internal/credentials"
	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/go-chi/chi/v5"
)

// maxConnectionBody bounds a connection request body.
const maxConnectionBody = 64 << 10

// connectionResponse describes a created connection. It never carries the
// credential itself.
type connectionResponse struct {
	ID        string                `json:"id"`
	AppName   string                `json:"app_name"`
	Kind      models.ConnectionKind `json:"kind"`
	CreatedAt time.Time             `json:"created_at"`
}

type secretRequest struct {
	Secret string `json:"secret"`
}

// claimConnection exchanges an authorization artifact for tokens and
// stores them as a connection owned by the caller.
func (g *Gateway) claimConnection(w http.ResponseWriter, r *http.Request) {
	session, app, ok := g.connectionPreamble(w, r, catalog.AuthOAuth2)
	if !ok {
		return
	}

	var req credentials.ClaimRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	if err := pinTokenURL(app, &req); err != nil {
		g.fail(w, r, err, nil)
		return
	}

	if req.AuthorizationMethod == "" {
		req.AuthorizationMethod = models.AuthMethodBody
	}

	if req.GrantType == models.GrantAuthorizationCode && req.RedirectURL == "" {
		req.RedirectURL = g.cfg.RedirectURL
	}

	conn, err := g.cfg.Connector.ConnectOAuth2(r.Context(), session.SubjectID, app.Name, req)
	if err != nil {
		g.fail(w, r, err, nil)
		return
	}

	g.created(w, r, conn)
}

// pinTokenURL restricts a claim to the token endpoint the catalog declares
// for app. The caller may omit it, but never redirect it.
func pinTokenURL(app *catalog.AppDefinition, req *credentials.ClaimRequest) error {
	if app.TokenURL == "" {
		return fmt.Errorf("%w: app %s declares no token endpoint", apperrors.ErrBadRequest, app.Name)
	}

	if req.TokenURL == "" {
		req.TokenURL = app.TokenURL
		return nil
	}

	if req.TokenURL != app.TokenURL {
		return fmt.Errorf("%w: token_url does not match app %s", apperrors.ErrBadRequest, app.Name)
	}

	return nil
}

// storeSecret stores a static secret as a connection owned by the caller.
func (g *Gateway) storeSecret(w http.ResponseWriter, r *http.Request) {
	session, app, ok := g.connectionPreamble(w, r, catalog.AuthSecret)
	if !ok {
		return
	}

	var req secretRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	conn, err := g.cfg.Connector.StoreSecret(session.SubjectID, app.Name, req.Secret)
	if err != nil {
		g.fail(w, r, err, nil)
		return
	}

	g.created(w, r, conn)
}

// connectionPreamble authenticates the caller and checks the app accepts
// the kind of credential being created.
func (g *Gateway) connectionPreamble(w http.ResponseWriter, r *http.Request, want catalog.AuthKind) (*models.Session, *catalog.AppDefinition, bool) {
	session, err := g.cfg.Authenticator.Authenticate(r)
	if err != nil {
		g.fail(w, r, err, nil)
		return nil, nil, false
	}

	name := chi.URLParam(r, "appName")

	app := g.cfg.Catalog.FindAppDefinition(name)
	if app == nil {
		g.fail(w, r, &apperrors.Error{
			Status:  http.StatusNotFound,
			Code:    apperrors.CodeMethodNotFound,
			Message: "Unknown app",
			Err:     fmt.Errorf("%w: %s", apperrors.ErrUnknownApp, name),
		}, nil)

		return nil, nil, false
	}

	if app.Auth != want {
		g.fail(w, r, fmt.Errorf("%w: app %s uses %s auth", apperrors.ErrBadRequest, app.Name, app.Auth), nil)
		return nil, nil, false
	}

	return session, app, true
}

func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConnectionBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			g.fail(w, r, &apperrors.Error{
				Status:  http.StatusBadRequest,
				Code:    apperrors.CodeParseError,
				Message: "Parse error",
				Err:     fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err),
			}, nil)

			return false
		}

		g.fail(w, r, fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err), nil)

		return false
	}

	return true
}

func (g *Gateway) created(w http.ResponseWriter, r *http.Request, conn *models.Connection) {
	g.logger(r).Info("connection created",
		slog.String("connection_id", conn.ID),
		slog.String("owner_id", conn.OwnerID),
		slog.String("app_name", conn.AppName),
		slog.String("kind", string(conn.Kind)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(connectionResponse{
		ID:        conn.ID,
		AppName:   conn.AppName,
		Kind:      conn.Kind,
		CreatedAt: conn.CreatedAt,
	})
}
