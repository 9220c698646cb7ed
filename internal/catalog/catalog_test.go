package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

func TestEmbeddedCatalog(t *testing.T) {
	c, err := New("", testLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"github", "resend", "weather"}, c.Names())

	gh := c.FindAppDefinition("github")
	require.NotNil(t, gh)
	assert.Equal(t, AuthOAuth2, gh.Auth)
	assert.Equal(t, "https://github.com/login/oauth/access_token", gh.TokenURL)

	issue := gh.Tool("create_issue")
	require.NotNil(t, issue)
	assert.Equal(t, "POST", issue.Method)

	for _, p := range issue.Params {
		switch p.Name {
		case "owner", "repo":
			assert.Equal(t, InPath, p.In)
			assert.True(t, p.Required)
		case "title", "body":
			assert.Equal(t, InBody, p.In)
		}
	}

	forecast := c.FindAppDefinition("weather").Tool("forecast")
	require.NotNil(t, forecast)
	assert.Equal(t, InQuery, forecast.Params[0].In)

	assert.Nil(t, c.FindAppDefinition("unknown"))
	assert.Nil(t, gh.Tool("unknown"))
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "apps: [\n"},
		{"bad app name", "apps:\n  - {name: Bad-Name, base_url: https://x}\n"},
		{"unknown auth", "apps:\n  - {name: a, auth: magic, base_url: https://x}\n"},
		{"no base url", "apps:\n  - {name: a}\n"},
		{"token url without oauth2", "apps:\n  - {name: a, auth: secret, base_url: https://x, token_url: https://x/token}\n"},
		{"relative token url", "apps:\n  - {name: a, auth: oauth2, base_url: https://x, token_url: /token}\n"},
		{"duplicate app", "apps:\n  - {name: a, base_url: https://x}\n  - {name: a, base_url: https://y}\n"},
		{"duplicate tool", "apps:\n  - name: a\n    base_url: https://x\n    tools:\n      - {name: t, path: /a}\n      - {name: t, path: /b}\n"},
		{"bad method", "apps:\n  - name: a\n    base_url: https://x\n    tools:\n      - {name: t, method: TRACE, path: /a}\n"},
		{"relative path", "apps:\n  - name: a\n    base_url: https://x\n    tools:\n      - {name: t, path: a}\n"},
		{"bad param type", "apps:\n  - name: a\n    base_url: https://x\n    tools:\n      - name: t\n        path: /a\n        params: [{name: p, type: object}]\n"},
		{"undeclared placeholder", "apps:\n  - name: a\n    base_url: https://x\n    tools:\n      - {name: t, path: /a/{id}}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestSecretHeaderValue(t *testing.T) {
	app := &AppDefinition{}
	h, v := app.SecretHeaderValue("k")
	assert.Equal(t, "Authorization", h)
	assert.Equal(t, "Bearer k", v)

	empty := ""
	app = &AppDefinition{SecretHeader: "X-Api-Key", SecretPrefix: &empty}
	h, v = app.SecretHeaderValue("k")
	assert.Equal(t, "X-Api-Key", h)
	assert.Equal(t, "k", v)
}

const overlay = `apps:
  - name: weather
    base_url: https://weather.internal
    tools:
      - {name: now, path: /now}
  - name: echo
    base_url: http://127.0.0.1:9
`

func TestNew_FileOverlaysEmbedded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0o600))

	c, err := New(path, testLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"echo", "github", "resend", "weather"}, c.Names())
	assert.Equal(t, "https://weather.internal", c.FindAppDefinition("weather").BaseURL)
	assert.Nil(t, c.FindAppDefinition("weather").Tool("forecast"))
}

func TestNew_MissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.yaml"), testLogger())
	assert.Error(t, err)
}

func TestReload_KeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0o600))

	c, err := New(path, testLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("apps: [\n"), 0o600))
	require.Error(t, c.Reload())
	assert.NotNil(t, c.FindAppDefinition("echo"))
}

func TestNewFromApps(t *testing.T) {
	c, err := NewFromApps(AppDefinition{
		Name:    "echo",
		BaseURL: "http://127.0.0.1:9/",
		Tools:   []ToolDefinition{{Name: "say", Method: "post", Path: "/say", Params: []Param{{Name: "text"}}}},
	})
	require.NoError(t, err)

	app := c.FindAppDefinition("echo")
	require.NotNil(t, app)
	assert.Equal(t, AuthNone, app.Auth)
	assert.Equal(t, "http://127.0.0.1:9", app.BaseURL)
	assert.Equal(t, "POST", app.Tools[0].Method)
	assert.Equal(t, InBody, app.Tools[0].Params[0].In)
	assert.Equal(t, "string", app.Tools[0].Params[0].Type)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0o600))

	c, err := New(path, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- c.Watch(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("watcher error: %v", err)
		}
	})

	// Give fsnotify a moment to set up watches.
	time.Sleep(50 * time.Millisecond)

	updated := overlay + "  - name: added\n    base_url: https://added.example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	waitFor(t, 2*time.Second, func() bool {
		return c.FindAppDefinition("added") != nil
	})
}

func TestWatch_NoFileBlocksUntilCancelled(t *testing.T) {
	c, err := New("", testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Watch(ctx), context.DeadlineExceeded)
}
