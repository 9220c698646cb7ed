// Package gateway serves tenant tool servers over MCP's streamable HTTP
// transport. Every POST gets its own server, built from the tenant's
// configuration for that request alone and torn down when it ends.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/toolgate/internal/auth"
	"github.com/alexjbarnes/toolgate/internal/catalog"
	"github.com/alexjbarnes/toolgate/internal/credentials"
	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/mcpserver"
	"github.com/alexjbarnes/toolgate/internal/metrics"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/alexjbarnes/toolgate/internal/tenant"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultMaxBodyBytes bounds an inbound JSON-RPC message.
const DefaultMaxBodyBytes = 4 << 20

// HeaderRequestID carries the id every response is tagged with.
const HeaderRequestID = "X-Request-Id"

// Authenticator produces the caller's session.
type Authenticator interface {
	Authenticate(r *http.Request) (*models.Session, error)
}

// Resolver maps a server token to the caller's configuration.
type Resolver interface {
	Resolve(ctx context.Context, token string, session *models.Session) (*tenant.Resolved, error)
}

// Builder builds the per-request MCP server.
type Builder interface {
	Build(ctx context.Context, sc *models.ServerConfig, settings models.TenantSettings) *mcpserver.Handle
}

// Connector creates connections on behalf of a tenant.
type Connector interface {
	ConnectOAuth2(ctx context.Context, ownerID, appName string, req credentials.ClaimRequest) (*models.Connection, error)
	StoreSecret(ownerID, appName, secret string) (*models.Connection, error)
}

// Catalog looks up app definitions.
type Catalog interface {
	FindAppDefinition(name string) *catalog.AppDefinition
}

// Config holds the gateway's collaborators.
type Config struct {
	Authenticator Authenticator
	Resolver      Resolver
	Builder       Builder
	Connector     Connector
	Catalog       Catalog
	Metrics       *metrics.Metrics
	Logger        *slog.Logger

	// PublicURL is the externally reachable base URL, used in
	// WWW-Authenticate challenges. Optional.
	PublicURL string

	// RedirectURL is used for authorization code claims that do not name one.
	RedirectURL string

	// Revoker enables POST /sessions/revoke. Optional.
	Revoker Revoker

	MaxBodyBytes int64
}

// Gateway is the HTTP surface of the tool server gateway.
type Gateway struct {
	cfg Config
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Gateway{cfg: cfg}
}

// Routes registers the gateway, connection and session endpoints on r.
func (g *Gateway) Routes(r chi.Router) {
	r.Route("/gateway", func(r chi.Router) {
		r.Use(g.tagRequest)
		r.MethodNotAllowed(g.methodNotAllowed)
		r.NotFound(g.notFound)

		r.HandleFunc("/", g.missingToken)
		r.Post("/{token}", g.serveMCP)
		r.Get("/{token}", g.methodNotAllowed)
		r.Delete("/{token}", g.methodNotAllowed)
	})

	r.Route("/connections/{appName}", func(r chi.Router) {
		r.Use(g.tagRequest)
		r.MethodNotAllowed(g.methodNotAllowed)

		r.Post("/claim", g.claimConnection)
		r.Post("/secret", g.storeSecret)
	})

	if g.cfg.Revoker != nil {
		r.With(g.tagRequest).Post("/sessions/revoke", g.revokeSession)
	}
}

type ctxKey int

const ctxLogger ctxKey = iota

// tagRequest assigns a request id and a logger carrying it.
func (g *Gateway) tagRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(HeaderRequestID, id)

		logger := g.cfg.Logger.With(
			slog.String("request_id", id),
			slog.String("remote_addr", r.RemoteAddr),
		)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxLogger, logger)))
	})
}

func (g *Gateway) logger(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(ctxLogger).(*slog.Logger); ok {
		return l
	}

	return g.cfg.Logger
}

func (g *Gateway) methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	g.cfg.Metrics.GatewayRequest("method_not_allowed")
	writeAppError(w, apperrors.ErrMethodNotAllowed, nil)
}

func (g *Gateway) missingToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.methodNotAllowed(w, r)
		return
	}

	g.cfg.Metrics.GatewayRequest("bad_request")
	writeEnvelope(w, http.StatusBadRequest, apperrors.CodeInvalidParams, "Missing server id", nil)
}

func (g *Gateway) notFound(w http.ResponseWriter, _ *http.Request) {
	g.cfg.Metrics.GatewayRequest("not_found")
	writeAppError(w, apperrors.ErrNotFound, nil)
}

// fail writes err as an envelope, adding a bearer challenge to 401s.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error, id json.RawMessage) {
	e := apperrors.Classify(err)

	if e.Status == http.StatusUnauthorized {
		_, presented := auth.BearerToken(r.Header.Get("Authorization"))
		w.Header().Set("WWW-Authenticate", auth.WWWAuthenticate(g.cfg.PublicURL, presented))
	}

	g.cfg.Metrics.GatewayRequest(outcome(e.Status))

	log := g.logger(r).Info
	if e.Status >= http.StatusInternalServerError {
		log = g.logger(r).Error
	}

	log("gateway request rejected",
		slog.Int("status", e.Status),
		slog.Int("code", e.Code),
		slog.String("error", e.Error()),
	)

	writeEnvelope(w, e.Status, e.Code, e.Message, id)
}

// serveMCP is the per-request pipeline: authenticate, resolve the server,
// build it, then bridge the JSON-RPC message onto it.
func (g *Gateway) serveMCP(w http.ResponseWriter, r *http.Request) {
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

	defer func() {
		if rec := recover(); rec != nil {
			g.logger(r).Error("gateway handler panicked", slog.Any("panic", rec))

			if ww.Status() == 0 {
				g.fail(ww, r, fmt.Errorf("panic: %v", rec), nil)
			}
		}
	}()

	token := strings.TrimSpace(chi.URLParam(r, "token"))
	if token == "" {
		g.missingToken(ww, r)
		return
	}

	session, err := g.cfg.Authenticator.Authenticate(r)
	if err != nil {
		g.fail(ww, r, err, nil)
		return
	}

	resolved, err := g.cfg.Resolver.Resolve(r.Context(), token, session)
	if err != nil {
		g.fail(ww, r, err, nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(ww, r.Body, g.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.fail(ww, r, invalidRequest("body too large"), nil)
			return
		}

		g.fail(ww, r, fmt.Errorf("%w: reading body: %w", apperrors.ErrBadRequest, err), nil)

		return
	}

	id, perr := parseRequest(body)
	if perr != nil {
		g.fail(ww, r, perr, id)
		return
	}

	if verr := checkProtocolVersion(r); verr != nil {
		g.fail(ww, r, verr, id)
		return
	}

	start := time.Now()
	handle := g.cfg.Builder.Build(r.Context(), resolved.Server, resolved.Settings)

	// Release on every exit path, and as soon as the client goes away.
	defer handle.Close()

	stop := context.AfterFunc(r.Context(), handle.Close)
	defer stop()

	logger := g.logger(r).With(
		slog.String("server_id", resolved.Server.ID),
		slog.String("owner_id", resolved.Server.OwnerID),
	)

	bridge := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return handle.Server
	}, &mcp.StreamableHTTPOptions{
		Stateless:    true,
		JSONResponse: true,
	})

	r.Body = io.NopCloser(bytes.NewReader(body))
	normalizeTransportHeaders(r)

	if terr := serveEnveloped(bridge, ww, r, id); terr != nil {
		logger.Info("gateway request rejected by transport",
			slog.Int("status", terr.Status),
			slog.Int("code", terr.Code),
			slog.String("error", terr.Error()),
		)
	}

	g.cfg.Metrics.GatewayRequest(outcome(ww.Status()))
	logger.Debug("gateway request served",
		slog.Int("status", ww.Status()),
		slog.Int("tools", len(handle.Tools)),
		slog.Int("warnings", len(handle.Warnings)),
		slog.Duration("duration", time.Since(start)),
	)
}

func outcome(status int) string {
	switch {
	case status == 0 || status < 300:
		return "ok"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case status < 500:
		return "bad_request"
	default:
		return "error"
	}
}
