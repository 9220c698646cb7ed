package credentials

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/tidwall/gjson"
)

// maxTokenResponse bounds how much of a token endpoint response is read.
const maxTokenResponse = 1 << 20

// strippedFields are removed from the echoed provider response because
// they are either secret or already held in dedicated fields.
var strippedFields = []string{"access_token", "expires_in", "refresh_token", "scope", "token_type"}

// reservedParams cannot be overridden by flattened props.
var reservedParams = map[string]struct{}{
	"grant_type":    {},
	"client_id":     {},
	"client_secret": {},
	"scope":         {},
	"code":          {},
	"redirect_uri":  {},
	"refresh_token": {},
}

// tokenResponse is a normalized token endpoint response. Empty fields
// mean the provider did not send them.
type tokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
	TokenType    string
	Data         map[string]any
}

// clientCredentialsForm builds the body for a client_credentials grant.
// The scope may reference props as {key}; every prop that does not
// collide with a protocol parameter is also sent as-is.
func clientCredentialsForm(scope string, props map[string]string) url.Values {
	form := url.Values{"grant_type": {string(models.GrantClientCredentials)}}

	if resolved := resolveScope(scope, props); resolved != "" {
		form.Set("scope", resolved)
	}

	for k, v := range props {
		if _, reserved := reservedParams[k]; reserved {
			continue
		}

		form.Set(k, v)
	}

	return form
}

// resolveScope substitutes {key} placeholders from props.
func resolveScope(scope string, props map[string]string) string {
	if scope == "" || len(props) == 0 {
		return scope
	}

	pairs := make([]string, 0, len(props)*2)
	for k, v := range props {
		pairs = append(pairs, "{"+k+"}", v)
	}

	return strings.NewReplacer(pairs...).Replace(scope)
}

// newTokenRequest builds a form POST to a token endpoint, presenting the
// client credentials the way method demands.
func newTokenRequest(ctx context.Context, tokenURL string, form url.Values, method models.AuthorizationMethod, clientID, clientSecret string) (*http.Request, error) {
	switch method {
	case models.AuthMethodBody:
		form.Set("client_id", clientID)
		form.Set("client_secret", clientSecret)
	case models.AuthMethodHeader:
		form.Del("client_id")
		form.Del("client_secret")
	default:
		return nil, method.Validate()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if method == models.AuthMethodHeader {
		req.SetBasicAuth(clientID, clientSecret)
	}

	return req, nil
}

// postToken sends a token request and normalizes the response. failure is
// the sentinel reported to callers; provider error bodies are logged but
// never included in the returned error.
func (v *Vault) postToken(req *http.Request, operation string, failure error) (*tokenResponse, error) {
	resp, err := v.client.Do(req)
	if err != nil {
		v.metrics.TokenEndpoint(operation, err)
		v.logger.Warn("token endpoint unreachable",
			slog.String("operation", operation),
			slog.String("host", req.URL.Host),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %w", failure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		v.metrics.TokenEndpoint(operation, err)
		return nil, fmt.Errorf("%w: reading response: %w", failure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: token endpoint returned status %d", failure, resp.StatusCode)
		v.metrics.TokenEndpoint(operation, err)
		v.logger.Warn("token endpoint rejected request",
			slog.String("operation", operation),
			slog.String("host", req.URL.Host),
			slog.Int("status", resp.StatusCode),
			slog.String("provider_error", gjson.GetBytes(body, "error").String()),
			slog.String("provider_error_description", gjson.GetBytes(body, "error_description").String()),
		)

		return nil, err
	}

	tr, err := parseTokenResponse(body)
	v.metrics.TokenEndpoint(operation, err)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure, err)
	}

	return tr, nil
}

// parseTokenResponse normalizes a provider's JSON token response.
// expires_in is accepted as a number or a numeric string.
func parseTokenResponse(body []byte) (*tokenResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: token response is not JSON", apperrors.ErrBadRequest)
	}

	res := gjson.ParseBytes(body)
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: token response is not an object", apperrors.ErrBadRequest)
	}

	tr := &tokenResponse{
		AccessToken:  res.Get("access_token").String(),
		RefreshToken: res.Get("refresh_token").String(),
		ExpiresIn:    res.Get("expires_in").Int(),
		Scope:        res.Get("scope").String(),
		TokenType:    res.Get("token_type").String(),
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has no access_token", apperrors.ErrBadRequest)
	}

	data, _ := res.Value().(map[string]any)
	for _, k := range strippedFields {
		delete(data, k)
	}

	if len(data) > 0 {
		tr.Data = data
	}

	return tr, nil
}

// merge copies the fields the provider actually sent over value. Props
// always survive, as does any field the response omitted.
func (tr *tokenResponse) merge(value *models.OAuth2Value, claimedAt int64) {
	value.AccessToken = tr.AccessToken
	value.ClaimedAt = claimedAt

	if tr.RefreshToken != "" {
		value.RefreshToken = tr.RefreshToken
	}

	if tr.ExpiresIn > 0 {
		value.ExpiresIn = tr.ExpiresIn
	}

	if tr.Scope != "" {
		value.GrantedScope = tr.Scope
	}

	if tr.TokenType != "" {
		value.TokenType = tr.TokenType
	}

	if len(tr.Data) > 0 {
		if value.Data == nil {
			value.Data = make(map[string]any, len(tr.Data))
		}

		for k, d := range tr.Data {
			value.Data[k] = d
		}
	}
}
