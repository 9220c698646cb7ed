// Package catalog holds the static definitions of the third-party apps a
// tenant can install, and the HTTP tools each app exposes.
package catalog

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// AuthKind is the kind of credential an app's tools act with.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthOAuth2 AuthKind = "oauth2"
	AuthSecret AuthKind = "secret"
)

// ParamLocation is where a tool argument is placed on the outgoing request.
type ParamLocation string

const (
	InPath  ParamLocation = "path"
	InQuery ParamLocation = "query"
	InBody  ParamLocation = "body"
)

// AppDefinition describes one integrable app.
type AppDefinition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Auth        AuthKind `yaml:"auth"`
	BaseURL     string   `yaml:"base_url"`

	// TokenURL is the provider's token endpoint. OAuth2 connections can
	// only be claimed against it.
	TokenURL string `yaml:"token_url"`

	// SecretHeader and SecretPrefix control how a secret credential is
	// presented. They default to "Authorization" and "Bearer ".
	SecretHeader string  `yaml:"secret_header"`
	SecretPrefix *string `yaml:"secret_prefix"`

	Tools []ToolDefinition `yaml:"tools"`
}

// ToolDefinition is a single HTTP call exposed as a tool.
type ToolDefinition struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Method      string  `yaml:"method"`
	Path        string  `yaml:"path"`
	Params      []Param `yaml:"params"`
}

// Param is one tool argument.
type Param struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Type        string        `yaml:"type"`
	Required    bool          `yaml:"required"`
	In          ParamLocation `yaml:"in"`
}

// Tool returns the named tool, or nil.
func (a *AppDefinition) Tool(name string) *ToolDefinition {
	for i := range a.Tools {
		if a.Tools[i].Name == name {
			return &a.Tools[i]
		}
	}

	return nil
}

// SecretHeaderValue returns the header name and value carrying secret.
func (a *AppDefinition) SecretHeaderValue(secret string) (string, string) {
	header := a.SecretHeader
	if header == "" {
		header = "Authorization"
	}

	prefix := "Bearer "
	if a.SecretPrefix != nil {
		prefix = *a.SecretPrefix
	}

	return header, prefix + secret
}

var (
	namePattern        = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)
	paramTypes         = []string{"string", "number", "integer", "boolean"}
)

type document struct {
	Apps []AppDefinition `yaml:"apps"`
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (map[string]*AppDefinition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	apps := make(map[string]*AppDefinition, len(doc.Apps))

	for i := range doc.Apps {
		app := &doc.Apps[i]
		if err := app.normalize(); err != nil {
			return nil, err
		}

		if _, dup := apps[app.Name]; dup {
			return nil, fmt.Errorf("app %q defined twice", app.Name)
		}

		apps[app.Name] = app
	}

	return apps, nil
}

func (a *AppDefinition) normalize() error {
	if !namePattern.MatchString(a.Name) {
		return fmt.Errorf("invalid app name %q", a.Name)
	}

	if a.Auth == "" {
		a.Auth = AuthNone
	}

	switch a.Auth {
	case AuthNone, AuthOAuth2, AuthSecret:
	default:
		return fmt.Errorf("app %s: unknown auth %q", a.Name, a.Auth)
	}

	if !strings.HasPrefix(a.BaseURL, "https://") && !strings.HasPrefix(a.BaseURL, "http://") {
		return fmt.Errorf("app %s: base_url must be an http(s) URL", a.Name)
	}

	a.BaseURL = strings.TrimRight(a.BaseURL, "/")

	if a.TokenURL != "" {
		if a.Auth != AuthOAuth2 {
			return fmt.Errorf("app %s: token_url requires oauth2 auth", a.Name)
		}

		if !strings.HasPrefix(a.TokenURL, "https://") && !strings.HasPrefix(a.TokenURL, "http://") {
			return fmt.Errorf("app %s: token_url must be an http(s) URL", a.Name)
		}
	}

	seen := make(map[string]struct{}, len(a.Tools))

	for i := range a.Tools {
		t := &a.Tools[i]
		if err := t.normalize(); err != nil {
			return fmt.Errorf("app %s: %w", a.Name, err)
		}

		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("app %s: tool %q defined twice", a.Name, t.Name)
		}

		seen[t.Name] = struct{}{}
	}

	return nil
}

func (t *ToolDefinition) normalize() error {
	if !namePattern.MatchString(t.Name) {
		return fmt.Errorf("invalid tool name %q", t.Name)
	}

	t.Method = strings.ToUpper(t.Method)
	if t.Method == "" {
		t.Method = http.MethodGet
	}

	switch t.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("tool %s: unsupported method %q", t.Name, t.Method)
	}

	if !strings.HasPrefix(t.Path, "/") {
		return fmt.Errorf("tool %s: path must start with /", t.Name)
	}

	pathParams := make(map[string]bool)

	for i := range t.Params {
		p := &t.Params[i]
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter without a name", t.Name)
		}

		if p.Type == "" {
			p.Type = "string"
		}

		if !slices.Contains(paramTypes, p.Type) {
			return fmt.Errorf("tool %s: parameter %s has unsupported type %q", t.Name, p.Name, p.Type)
		}

		if p.In == "" {
			p.In = InQuery
			if t.Method != http.MethodGet && t.Method != http.MethodDelete {
				p.In = InBody
			}
		}

		switch p.In {
		case InPath:
			p.Required = true
			pathParams[p.Name] = true
		case InQuery, InBody:
		default:
			return fmt.Errorf("tool %s: parameter %s has unknown location %q", t.Name, p.Name, p.In)
		}
	}

	for _, m := range placeholderPattern.FindAllStringSubmatch(t.Path, -1) {
		if !pathParams[m[1]] {
			return fmt.Errorf("tool %s: path placeholder {%s} has no path parameter", t.Name, m[1])
		}
	}

	return nil
}

// Catalog is the live set of app definitions. It is safe for concurrent
// use and may be reloaded while serving.
type Catalog struct {
	mu     sync.RWMutex
	apps   map[string]*AppDefinition
	path   string
	logger *slog.Logger
}

// New loads the embedded catalog and, when path is set, overlays the apps
// defined in that file on top of it.
func New(path string, logger *slog.Logger) (*Catalog, error) {
	c := &Catalog{path: path, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}

	return c, nil
}

// NewFromApps builds a fixed catalog, mainly for tests.
func NewFromApps(apps ...AppDefinition) (*Catalog, error) {
	m := make(map[string]*AppDefinition, len(apps))

	for i := range apps {
		app := apps[i]
		if err := app.normalize(); err != nil {
			return nil, err
		}

		m[app.Name] = &app
	}

	return &Catalog{apps: m, logger: slog.Default()}, nil
}

// Reload re-reads the catalog. On error the current definitions stay in
// place.
func (c *Catalog) Reload() error {
	apps, err := Parse(defaultCatalog)
	if err != nil {
		return fmt.Errorf("embedded catalog: %w", err)
	}

	if c.path != "" {
		data, err := os.ReadFile(c.path)
		if err != nil {
			return fmt.Errorf("reading catalog file: %w", err)
		}

		overlay, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", c.path, err)
		}

		for name, app := range overlay {
			apps[name] = app
		}
	}

	c.mu.Lock()
	c.apps = apps
	c.mu.Unlock()

	c.logger.Info("catalog loaded", slog.Int("apps", len(apps)), slog.String("path", c.path))

	return nil
}

// FindAppDefinition returns the named app, or nil if the catalog does not
// know it. The returned definition must not be modified.
func (c *Catalog) FindAppDefinition(name string) *AppDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.apps[name]
}

// Names returns the known app names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.apps))
	for name := range c.apps {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
