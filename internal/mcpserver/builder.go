// Package mcpserver builds the request-scoped MCP server for a tenant's
// tool server. Each installed app contributes the tools its catalog entry
// defines, bound to the credential of the app's connection.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/toolgate/internal/catalog"
	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/metrics"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// DefaultToolTimeout bounds a single upstream tool call.
	DefaultToolTimeout = 30 * time.Second

	defaultRetryInterval = 500 * time.Millisecond
)

// CredentialResolver returns the usable credential of a connection.
type CredentialResolver interface {
	Resolve(ctx context.Context, ownerID, connectionID, appName string) (*models.Credential, error)
}

// Catalog looks up app definitions.
type Catalog interface {
	FindAppDefinition(name string) *catalog.AppDefinition
}

// Options configures a Builder.
type Options struct {
	HTTPClient    *http.Client
	RetryInterval time.Duration
	Version       string
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Builder assembles per-request MCP servers.
type Builder struct {
	catalog       Catalog
	credentials   CredentialResolver
	client        *http.Client
	retryInterval time.Duration
	version       string
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewBuilder creates a builder.
func NewBuilder(cat Catalog, creds CredentialResolver, opts Options) *Builder {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultToolTimeout}
	}

	interval := opts.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{
		catalog:       cat,
		credentials:   creds,
		client:        client,
		retryInterval: interval,
		version:       version,
		metrics:       opts.Metrics,
		logger:        logger,
	}
}

// Warning records an installed app, or one of its tools, that was left
// out of a built server.
type Warning struct {
	AppID   string
	AppName string
	Tool    string
	Err     error
}

func (w Warning) String() string {
	if w.Tool != "" {
		return fmt.Sprintf("app %s (%s) tool %s skipped: %v", w.AppName, w.AppID, w.Tool, w.Err)
	}

	return fmt.Sprintf("app %s (%s) skipped: %v", w.AppName, w.AppID, w.Err)
}

// Handle is a built server and everything it holds for one request.
type Handle struct {
	Server   *mcp.Server
	Tools    []string
	Warnings []Warning

	credentials []*boundCredential
	closeOnce   sync.Once
}

// Close ends any session still connected to the server and drops the
// credentials its tools were bound to. It is safe to call more than once.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		for ss := range h.Server.Sessions() {
			_ = ss.Close()
		}

		for _, c := range h.credentials {
			c.wipe()
		}

		h.credentials = nil
	})
}

// Build registers the selected tools of every installed app on a fresh
// server. An app that cannot be served is skipped with a warning; Build
// itself never fails.
func (b *Builder) Build(ctx context.Context, sc *models.ServerConfig, settings models.TenantSettings) *Handle {
	h := &Handle{
		Server: mcp.NewServer(&mcp.Implementation{Name: "toolgate", Version: b.version}, &mcp.ServerOptions{HasTools: true}),
	}

	registered := make(map[string]struct{})

	for _, app := range sc.InstalledApps {
		def, cred, err := b.prepare(ctx, sc, app)
		if err != nil {
			b.warn(h, Warning{AppID: app.ID, AppName: app.AppName, Err: err})
			continue
		}

		var bound *boundCredential
		if cred != nil {
			bound = bindCredential(cred)
			h.credentials = append(h.credentials, bound)
		}

		exec := NewExecContext(sc, app, settings)

		for _, name := range missingTools(def, app.SelectedTools) {
			b.warn(h, Warning{AppID: app.ID, AppName: app.AppName, Tool: name, Err: fmt.Errorf("tool %s is not in the catalog", name)})
		}

		for _, tool := range def.Tools {
			if !app.SelectedTools.Includes(tool.Name) {
				continue
			}

			name := app.AppName + "_" + tool.Name
			if _, dup := registered[name]; dup {
				b.warn(h, Warning{AppID: app.ID, AppName: app.AppName, Tool: tool.Name, Err: fmt.Errorf("tool %s already registered", name)})
				continue
			}

			t := &httpTool{
				app:           def,
				def:           tool,
				cred:          bound,
				exec:          exec,
				client:        b.client,
				retryInterval: b.retryInterval,
				logger:        b.logger,
			}

			h.Server.AddTool(&mcp.Tool{
				Name:        name,
				Description: tool.Description,
				InputSchema: t.inputSchema(),
			}, t.handle)

			registered[name] = struct{}{}
			h.Tools = append(h.Tools, name)
		}
	}

	b.metrics.ToolsRegistered(len(h.Tools))

	b.logger.Debug("server built",
		slog.String("server_id", sc.ID),
		slog.String("owner_id", sc.OwnerID),
		slog.Int("tools", len(h.Tools)),
		slog.Int("warnings", len(h.Warnings)),
	)

	return h
}

// prepare finds an app's definition and resolves its credential.
func (b *Builder) prepare(ctx context.Context, sc *models.ServerConfig, app models.InstalledApp) (*catalog.AppDefinition, *models.Credential, error) {
	def := b.catalog.FindAppDefinition(app.AppName)
	if def == nil {
		return nil, nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownApp, app.AppName)
	}

	if app.ConnectionID == "" {
		if def.Auth != catalog.AuthNone {
			return nil, nil, fmt.Errorf("%w: %s requires a %s connection", apperrors.ErrConnectionNotFound, app.AppName, def.Auth)
		}

		return def, nil, nil
	}

	cred, err := b.credentials.Resolve(ctx, sc.OwnerID, app.ConnectionID, app.AppName)
	if err != nil {
		return nil, nil, err
	}

	if !credentialFits(def.Auth, cred.Kind) {
		cred.Wipe()
		return nil, nil, fmt.Errorf("%s connection cannot serve %s auth", cred.Kind, def.Auth)
	}

	return def, cred, nil
}

func (b *Builder) warn(h *Handle, w Warning) {
	h.Warnings = append(h.Warnings, w)
	b.metrics.BuildWarning()
	b.logger.Warn("skipping installed app",
		slog.String("app_id", w.AppID),
		slog.String("app_name", w.AppName),
		slog.String("tool", w.Tool),
		slog.String("error", w.Err.Error()),
	)
}

func credentialFits(auth catalog.AuthKind, kind models.ConnectionKind) bool {
	switch auth {
	case catalog.AuthOAuth2:
		return kind == models.ConnectionOAuth2
	case catalog.AuthSecret:
		return kind == models.ConnectionSecretText
	default:
		// An app without auth ignores any connection it was given.
		return true
	}
}

// missingTools returns explicitly selected tool names the app does not define.
func missingTools(def *catalog.AppDefinition, sel models.ToolSelection) []string {
	if sel.All {
		return nil
	}

	var missing []string

	for _, name := range sel.Names {
		if def.Tool(name) == nil {
			missing = append(missing, name)
		}
	}

	return missing
}
