package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/toolgate/internal/catalog"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxToolResponse bounds how much of an upstream response a tool returns.
const maxToolResponse = 1 << 20

// ExecContext is handed to every tool registered for one installed app.
type ExecContext struct {
	Enabled    bool   `json:"enabled"`
	ServerID   string `json:"server_id"`
	AppID      string `json:"app_id"`
	AppName    string `json:"app_name"`
	OwnerID    string `json:"owner_id"`
	MaxRetries int    `json:"max_retries"`
}

// NewExecContext derives the execution context of an installed app.
func NewExecContext(sc *models.ServerConfig, app models.InstalledApp, settings models.TenantSettings) ExecContext {
	maxRetries := 0
	if settings.AutoRetry {
		maxRetries = 1
	}

	return ExecContext{
		Enabled:    settings.LoggingEnabled,
		ServerID:   sc.ID,
		AppID:      app.ID,
		AppName:    app.AppName,
		OwnerID:    sc.OwnerID,
		MaxRetries: maxRetries,
	}
}

// httpTool executes one catalog tool as an HTTP call, acting with the
// credential resolved for its app.
type httpTool struct {
	app           *catalog.AppDefinition
	def           catalog.ToolDefinition
	cred          *boundCredential
	exec          ExecContext
	client        *http.Client
	retryInterval time.Duration
	logger        *slog.Logger
}

// upstreamError is a failed upstream call worth retrying.
type upstreamError struct {
	status int
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.status)
}

type toolResponse struct {
	status int
	body   []byte
}

// inputSchema describes the tool's arguments.
func (t *httpTool) inputSchema() *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(t.def.Params)),
	}

	for _, p := range t.def.Params {
		schema.Properties[p.Name] = &jsonschema.Schema{Type: p.Type, Description: p.Description}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}

	return schema
}

func (t *httpTool) handle(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := map[string]any{}

	if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return errorResult(fmt.Errorf("arguments must be a JSON object: %w", err)), nil
		}
	}

	for _, p := range t.def.Params {
		if _, ok := args[p.Name]; p.Required && !ok {
			return errorResult(fmt.Errorf("missing required argument %q", p.Name)), nil
		}
	}

	start := time.Now()
	attempts := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retryInterval
	b.MaxInterval = 10 * t.retryInterval

	operation := func() (*toolResponse, error) {
		attempts++

		httpReq, err := t.newRequest(ctx, args)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := t.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponse))
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 500 {
			return nil, &upstreamError{status: resp.StatusCode}
		}

		return &toolResponse{status: resp.StatusCode, body: body}, nil
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(t.exec.MaxRetries+1)), // #nosec G115 -- MaxRetries is 0 or 1
	)

	if t.exec.Enabled {
		attrs := []any{
			slog.String("server_id", t.exec.ServerID),
			slog.String("app_id", t.exec.AppID),
			slog.String("app_name", t.exec.AppName),
			slog.String("owner_id", t.exec.OwnerID),
			slog.String("tool", t.def.Name),
			slog.Int("attempts", attempts),
			slog.Duration("duration", time.Since(start)),
		}

		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		} else {
			attrs = append(attrs, slog.Int("status", res.status))
		}

		t.logger.Info("tool call", attrs...)
	}

	if err != nil {
		var ue *upstreamError
		if errors.As(err, &ue) {
			return errorResult(ue), nil
		}

		return errorResult(fmt.Errorf("calling %s: %w", t.app.Name, err)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(res.body)}},
		IsError: res.status >= 400,
	}, nil
}

// newRequest builds the upstream request. It is rebuilt for every attempt
// because a request body can only be read once.
func (t *httpTool) newRequest(ctx context.Context, args map[string]any) (*http.Request, error) {
	path := t.def.Path
	query := url.Values{}
	body := map[string]any{}

	for _, p := range t.def.Params {
		v, ok := args[p.Name]
		if !ok {
			continue
		}

		switch p.In {
		case catalog.InPath:
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(argString(v)))
		case catalog.InQuery:
			query.Set(p.Name, argString(v))
		case catalog.InBody:
			body[p.Name] = v
		}
	}

	target := t.app.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if len(body) > 0 {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, t.def.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := t.authorize(req); err != nil {
		return nil, err
	}

	return req, nil
}

// authorize presents the app's credential on req.
func (t *httpTool) authorize(req *http.Request) error {
	if t.cred == nil {
		return nil
	}

	name, value, err := t.cred.header(t.app)
	if err != nil {
		return err
	}

	req.Header.Set(name, value)

	return nil
}

func argString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		data, _ := json.Marshal(x)
		return string(data)
	}
}

// errorResult reports a tool failure to the model rather than as a
// protocol error.
func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}
