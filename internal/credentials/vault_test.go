package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/toolgate/internal/crypto"
	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/alexjbarnes/toolgate/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef-master"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// tokenServer records every request it receives and answers with the
// configured status and body.
type tokenServer struct {
	*httptest.Server

	mu       sync.Mutex
	forms    []url.Values
	headers  []http.Header
	hits     atomic.Int32
	status   int
	response string
	delay    time.Duration
}

func newTokenServer(t *testing.T, status int, response string) *tokenServer {
	t.Helper()
	ts := &tokenServer{status: status, response: response}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		require.NoError(t, r.ParseForm())

		ts.mu.Lock()
		ts.forms = append(ts.forms, r.PostForm)
		ts.headers = append(ts.headers, r.Header.Clone())
		delay := ts.delay
		ts.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ts.status)
		_, _ = io.WriteString(w, ts.response)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) lastForm(t *testing.T) url.Values {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(t, ts.forms)
	return ts.forms[len(ts.forms)-1]
}

func (ts *tokenServer) lastHeader(t *testing.T) http.Header {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(t, ts.headers)
	return ts.headers[len(ts.headers)-1]
}

type fixture struct {
	vault  *Vault
	store  *state.State
	cipher *crypto.Cipher
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c, err := crypto.NewCipher(testSecret)
	require.NoError(t, err)

	v := New(st, c, Options{
		Timeout: timeout,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	v.now = func() time.Time { return fixedNow }

	return &fixture{vault: v, store: st, cipher: c}
}

// storeOAuth2 persists value as an encrypted connection.
func (f *fixture) storeOAuth2(t *testing.T, id, owner, app string, value *models.OAuth2Value) {
	t.Helper()
	plain, err := json.Marshal(value)
	require.NoError(t, err)
	obj, err := f.cipher.Encrypt(plain)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveConnection(models.Connection{
		ID: id, OwnerID: owner, AppName: app, Kind: models.ConnectionOAuth2, EncryptedValue: obj,
	}))
}

func (f *fixture) loadOAuth2(t *testing.T, id, owner string) *models.OAuth2Value {
	t.Helper()
	conn, err := f.store.FindConnection(id, owner)
	require.NoError(t, err)
	require.NotNil(t, conn)
	plain, err := f.cipher.Decrypt(conn.EncryptedValue)
	require.NoError(t, err)
	var v models.OAuth2Value
	require.NoError(t, json.Unmarshal(plain, &v))
	return &v
}

func expiredCodeValue(tokenURL string) *models.OAuth2Value {
	return &models.OAuth2Value{
		AccessToken:         "old-access",
		RefreshToken:        "r1",
		ExpiresIn:           3600,
		ClaimedAt:           fixedNow.Add(-2 * time.Hour).Unix(),
		GrantType:           models.GrantAuthorizationCode,
		AuthorizationMethod: models.AuthMethodBody,
		ClientID:            "cid",
		ClientSecret:        "csecret",
		TokenURL:            tokenURL,
		Props:               map[string]string{"tenant": "acme"},
	}
}

func codeClaim(tokenURL string, method models.AuthorizationMethod) ClaimRequest {
	return ClaimRequest{
		GrantType:           models.GrantAuthorizationCode,
		AuthorizationMethod: method,
		ClientID:            "cid",
		ClientSecret:        "csecret",
		TokenURL:            tokenURL,
		RedirectURL:         "https://app.example.com/callback",
		Code:                "auth-code",
		CodeVerifier:        "verifier",
	}
}

// --- Claim ---

func TestClaim_AuthorizationCodeBodyAuth(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a1","refresh_token":"r1","expires_in":7200,"token_type":"Bearer","scope":"repo"}`)
	f := newFixture(t, 0)

	v, err := f.vault.Claim(context.Background(), codeClaim(ts.URL, models.AuthMethodBody))
	require.NoError(t, err)

	form := ts.lastForm(t)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "auth-code", form.Get("code"))
	assert.Equal(t, "https://app.example.com/callback", form.Get("redirect_uri"))
	assert.Equal(t, "verifier", form.Get("code_verifier"))
	assert.Equal(t, "cid", form.Get("client_id"))
	assert.Equal(t, "csecret", form.Get("client_secret"))
	assert.Empty(t, ts.lastHeader(t).Get("Authorization"))

	assert.Equal(t, "a1", v.AccessToken)
	assert.Equal(t, "r1", v.RefreshToken)
	assert.Equal(t, int64(7200), v.ExpiresIn)
	assert.Equal(t, "Bearer", v.TokenType)
	assert.Equal(t, "repo", v.GrantedScope)
	assert.Equal(t, fixedNow.Unix(), v.ClaimedAt)
	assert.Equal(t, models.GrantAuthorizationCode, v.GrantType)
	assert.Equal(t, ts.URL, v.TokenURL)
}

func TestClaim_HeaderAuthKeepsSecretOutOfBody(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a1"}`)
	f := newFixture(t, 0)

	_, err := f.vault.Claim(context.Background(), codeClaim(ts.URL, models.AuthMethodHeader))
	require.NoError(t, err)

	form := ts.lastForm(t)
	assert.False(t, form.Has("client_secret"))
	assert.False(t, form.Has("client_id"))

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("cid:csecret"))
	assert.Equal(t, want, ts.lastHeader(t).Get("Authorization"))
}

func TestClaim_ClientCredentialsResolvesScopeAndFlattensProps(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a1","expires_in":"1800"}`)
	f := newFixture(t, 0)

	v, err := f.vault.Claim(context.Background(), ClaimRequest{
		GrantType:           models.GrantClientCredentials,
		AuthorizationMethod: models.AuthMethodBody,
		ClientID:            "cid",
		ClientSecret:        "csecret",
		TokenURL:            ts.URL,
		Scope:               "api://{tenant}/.default",
		Props:               map[string]string{"tenant": "acme", "audience": "graph", "grant_type": "hijack"},
	})
	require.NoError(t, err)

	form := ts.lastForm(t)
	assert.Equal(t, "client_credentials", form.Get("grant_type"))
	assert.Equal(t, "api://acme/.default", form.Get("scope"))
	assert.Equal(t, "graph", form.Get("audience"))
	assert.Equal(t, "acme", form.Get("tenant"))

	assert.Equal(t, int64(1800), v.ExpiresIn)
	assert.Equal(t, "api://acme/.default", v.Scope)
	assert.Equal(t, "acme", v.Props["tenant"])
}

func TestRefresh_KeepsRequestedScopeWhenProviderNarrowsIt(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a1","expires_in":60,"scope":"api://acme/read"}`)
	f := newFixture(t, 0)

	v, err := f.vault.Claim(context.Background(), ClaimRequest{
		GrantType:           models.GrantClientCredentials,
		AuthorizationMethod: models.AuthMethodBody,
		ClientID:            "cid",
		ClientSecret:        "csecret",
		TokenURL:            ts.URL,
		Scope:               "api://{tenant}/.default",
		Props:               map[string]string{"tenant": "acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, "api://acme/.default", v.Scope)
	assert.Equal(t, "api://acme/read", v.GrantedScope)

	v.ClaimedAt = fixedNow.Add(-time.Hour).Unix()
	_, err = f.vault.Refresh(context.Background(), v)
	require.NoError(t, err)

	assert.Equal(t, "api://acme/.default", ts.lastForm(t).Get("scope"))
}

func TestClaim_EchoesProviderDataWithoutTokens(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a1","refresh_token":"r1","expires_in":60,"scope":"x","token_type":"bearer","team":{"id":"T1"},"bot_user_id":"B1"}`)
	f := newFixture(t, 0)

	v, err := f.vault.Claim(context.Background(), codeClaim(ts.URL, models.AuthMethodBody))
	require.NoError(t, err)

	require.NotNil(t, v.Data)
	assert.Equal(t, "B1", v.Data["bot_user_id"])
	assert.Equal(t, map[string]any{"id": "T1"}, v.Data["team"])
	for _, k := range []string{"access_token", "refresh_token", "expires_in", "scope", "token_type"} {
		assert.NotContains(t, v.Data, k)
	}
}

func TestClaim_ProviderRejectionDoesNotLeakBody(t *testing.T) {
	ts := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"code sk-live-123 already used"}`)
	f := newFixture(t, 0)

	_, err := f.vault.Claim(context.Background(), codeClaim(ts.URL, models.AuthMethodBody))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrClaimFailed)
	assert.NotContains(t, err.Error(), "sk-live-123")
	assert.Contains(t, err.Error(), "400")
}

func TestClaim_MissingAccessToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"token_type":"bearer"}`)
	f := newFixture(t, 0)

	_, err := f.vault.Claim(context.Background(), codeClaim(ts.URL, models.AuthMethodBody))
	assert.ErrorIs(t, err, apperrors.ErrClaimFailed)
}

func TestClaim_NonJSONResponse(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `access_token=a1`)
	f := newFixture(t, 0)

	_, err := f.vault.Claim(context.Background(), codeClaim(ts.URL, models.AuthMethodBody))
	assert.ErrorIs(t, err, apperrors.ErrClaimFailed)
}

func TestClaim_Timeout(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a1"}`)
	ts.delay = 300 * time.Millisecond
	f := newFixture(t, 50*time.Millisecond)

	_, err := f.vault.Claim(context.Background(), codeClaim(ts.URL, models.AuthMethodBody))
	assert.ErrorIs(t, err, apperrors.ErrClaimFailed)
}

func TestClaim_ValidatesRequest(t *testing.T) {
	f := newFixture(t, 0)

	tests := []struct {
		name   string
		mutate func(*ClaimRequest)
	}{
		{"unknown grant", func(r *ClaimRequest) { r.GrantType = "password" }},
		{"unknown method", func(r *ClaimRequest) { r.AuthorizationMethod = "query" }},
		{"missing client id", func(r *ClaimRequest) { r.ClientID = "" }},
		{"relative token url", func(r *ClaimRequest) { r.TokenURL = "/token" }},
		{"missing code", func(r *ClaimRequest) { r.Code = "" }},
		{"missing redirect", func(r *ClaimRequest) { r.RedirectURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := codeClaim("https://auth.example.com/token", models.AuthMethodBody)
			tt.mutate(&req)
			_, err := f.vault.Claim(context.Background(), req)
			assert.ErrorIs(t, err, apperrors.ErrBadRequest)
		})
	}
}

// --- Refresh ---

func TestRefresh_NotExpiredSkipsNetwork(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"new"}`)
	f := newFixture(t, 0)

	value := expiredCodeValue(ts.URL)
	value.ClaimedAt = fixedNow.Unix()

	got, err := f.vault.Refresh(context.Background(), value)
	require.NoError(t, err)
	assert.Same(t, value, got)
	assert.Equal(t, int32(0), ts.hits.Load())
}

func TestRefresh_AuthorizationCodeKeepsRefreshTokenWhenOmitted(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a2","expires_in":3600}`)
	f := newFixture(t, 0)

	value := expiredCodeValue(ts.URL)
	got, err := f.vault.Refresh(context.Background(), value)
	require.NoError(t, err)

	form := ts.lastForm(t)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "r1", form.Get("refresh_token"))

	assert.Equal(t, "a2", got.AccessToken)
	assert.Equal(t, "r1", got.RefreshToken)
	assert.Equal(t, fixedNow.Unix(), got.ClaimedAt)
	assert.Equal(t, "acme", got.Props["tenant"])

	// The input is left alone.
	assert.Equal(t, "old-access", value.AccessToken)
}

func TestRefresh_RotatedRefreshToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a2","refresh_token":"r2"}`)
	f := newFixture(t, 0)

	got, err := f.vault.Refresh(context.Background(), expiredCodeValue(ts.URL))
	require.NoError(t, err)
	assert.Equal(t, "r2", got.RefreshToken)
	assert.Equal(t, int64(3600), got.ExpiresIn)
}

func TestRefresh_ClientCredentialsRequestsAgain(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a2"}`)
	f := newFixture(t, 0)

	value := &models.OAuth2Value{
		AccessToken:         "a1",
		ClaimedAt:           fixedNow.Add(-time.Hour).Unix(),
		GrantType:           models.GrantClientCredentials,
		AuthorizationMethod: models.AuthMethodHeader,
		ClientID:            "cid",
		ClientSecret:        "csecret",
		TokenURL:            ts.URL,
		Scope:               "read",
		Props:               map[string]string{"resource": "r"},
	}

	got, err := f.vault.Refresh(context.Background(), value)
	require.NoError(t, err)
	assert.Equal(t, "a2", got.AccessToken)

	form := ts.lastForm(t)
	assert.Equal(t, "client_credentials", form.Get("grant_type"))
	assert.Equal(t, "read", form.Get("scope"))
	assert.Equal(t, "r", form.Get("resource"))
	assert.False(t, form.Has("client_secret"))
}

func TestRefresh_ProviderFailure(t *testing.T) {
	ts := newTokenServer(t, http.StatusUnauthorized, `{"error":"invalid_grant"}`)
	f := newFixture(t, 0)

	_, err := f.vault.Refresh(context.Background(), expiredCodeValue(ts.URL))
	assert.ErrorIs(t, err, apperrors.ErrRefreshFailed)
}

func TestRefresh_Timeout(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a2"}`)
	ts.delay = 300 * time.Millisecond
	f := newFixture(t, 50*time.Millisecond)

	_, err := f.vault.Refresh(context.Background(), expiredCodeValue(ts.URL))
	assert.ErrorIs(t, err, apperrors.ErrRefreshFailed)
}

// --- Resolve ---

func TestResolve_SecretText(t *testing.T) {
	f := newFixture(t, 0)

	conn, err := f.vault.StoreSecret("u1", "weather", "api-key-123")
	require.NoError(t, err)
	assert.NotContains(t, conn.EncryptedValue.Data, "api-key-123")

	cred, err := f.vault.Resolve(context.Background(), "u1", conn.ID, "weather")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionSecretText, cred.Kind)
	assert.Equal(t, "api-key-123", cred.Secret)
	assert.Nil(t, cred.OAuth2)
}

func TestResolve_OAuth2Fresh(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"unused"}`)
	f := newFixture(t, 0)

	value := expiredCodeValue(ts.URL)
	value.ClaimedAt = fixedNow.Unix()
	f.storeOAuth2(t, "c1", "u1", "github", value)

	cred, err := f.vault.Resolve(context.Background(), "u1", "c1", "github")
	require.NoError(t, err)
	assert.Equal(t, "old-access", cred.OAuth2.AccessToken)
	assert.Equal(t, int32(0), ts.hits.Load())
}

func TestResolve_OAuth2ExpiredRefreshesAndPersists(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a2"}`)
	f := newFixture(t, 0)
	f.storeOAuth2(t, "c1", "u1", "github", expiredCodeValue(ts.URL))

	cred, err := f.vault.Resolve(context.Background(), "u1", "c1", "github")
	require.NoError(t, err)
	assert.Equal(t, "a2", cred.OAuth2.AccessToken)

	stored := f.loadOAuth2(t, "c1", "u1")
	assert.Equal(t, "a2", stored.AccessToken)
	assert.Equal(t, "r1", stored.RefreshToken)
	assert.Equal(t, fixedNow.Unix(), stored.ClaimedAt)
}

func TestResolve_RefreshFailure(t *testing.T) {
	ts := newTokenServer(t, http.StatusInternalServerError, `oops`)
	f := newFixture(t, 0)
	f.storeOAuth2(t, "c1", "u1", "github", expiredCodeValue(ts.URL))

	_, err := f.vault.Resolve(context.Background(), "u1", "c1", "github")
	assert.ErrorIs(t, err, apperrors.ErrRefreshFailed)

	// The stored value is untouched.
	assert.Equal(t, "old-access", f.loadOAuth2(t, "c1", "u1").AccessToken)
}

func TestResolve_ConcurrentCallersShareOneRefresh(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a2"}`)
	ts.delay = 100 * time.Millisecond
	f := newFixture(t, 0)
	f.storeOAuth2(t, "c1", "u1", "github", expiredCodeValue(ts.URL))

	const callers = 10

	var wg sync.WaitGroup
	creds := make([]*models.Credential, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creds[i], errs[i] = f.vault.Resolve(context.Background(), "u1", "c1", "github")
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "a2", creds[i].OAuth2.AccessToken)
	}

	assert.Equal(t, int32(1), ts.hits.Load())
	assert.NotSame(t, creds[0].OAuth2, creds[1].OAuth2)
}

func TestResolve_NotFound(t *testing.T) {
	f := newFixture(t, 0)
	f.storeOAuth2(t, "c1", "u1", "github", expiredCodeValue("https://auth.example.com/token"))

	tests := []struct {
		name, owner, id, app string
	}{
		{"unknown id", "u1", "nope", "github"},
		{"other tenant", "u2", "c1", "github"},
		{"app mismatch", "u1", "c1", "slack"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.vault.Resolve(context.Background(), tt.owner, tt.id, tt.app)
			assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)
		})
	}
}

func TestResolve_WrongKeyFailsToDecrypt(t *testing.T) {
	f := newFixture(t, 0)
	conn, err := f.vault.StoreSecret("u1", "weather", "k")
	require.NoError(t, err)

	other, err := crypto.NewCipher("ffffffffffffffffffffffffffffffff-other")
	require.NoError(t, err)
	v := New(f.store, other, Options{Logger: f.vault.logger})

	_, err = v.Resolve(context.Background(), "u1", conn.ID, "weather")
	assert.True(t, errors.Is(err, apperrors.ErrDecrypt))
}

// --- Connect ---

func TestConnectOAuth2_PersistsEncryptedValue(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a1","refresh_token":"r1"}`)
	f := newFixture(t, 0)

	conn, err := f.vault.ConnectOAuth2(context.Background(), "u1", "github", codeClaim(ts.URL, models.AuthMethodBody))
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, models.ConnectionOAuth2, conn.Kind)
	assert.NotContains(t, conn.EncryptedValue.Data, "a1")

	stored := f.loadOAuth2(t, conn.ID, "u1")
	assert.Equal(t, "a1", stored.AccessToken)
	assert.Equal(t, "csecret", stored.ClientSecret)
}

func TestStoreSecret_RejectsEmpty(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.vault.StoreSecret("u1", "weather", "  ")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

// --- helpers ---

func TestResolveScope(t *testing.T) {
	assert.Equal(t, "a b", resolveScope("a b", nil))
	assert.Equal(t, "https://acme.example.com/x", resolveScope("https://{host}/x", map[string]string{"host": "acme.example.com"}))
	assert.Equal(t, "{missing}", resolveScope("{missing}", map[string]string{"host": "h"}))
}
