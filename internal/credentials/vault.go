// Package credentials claims, refreshes and decrypts the third-party
// credentials that tool handlers act with.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/metrics"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds every token endpoint call.
const DefaultTimeout = 10 * time.Second

// Store is the persistence the vault needs.
type Store interface {
	FindConnection(id, ownerID string) (*models.Connection, error)
	SaveConnection(c models.Connection) error
}

// Cipher seals connection values at rest.
type Cipher interface {
	Encrypt(plaintext []byte) (models.EncryptedObject, error)
	Decrypt(obj models.EncryptedObject) ([]byte, error)
}

// Options configures a Vault. Zero values select defaults.
type Options struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Vault owns the OAuth2 credential lifecycle.
type Vault struct {
	store   Store
	cipher  Cipher
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	flight  singleflight.Group
}

// New creates a vault over store and cipher.
func New(store Store, cipher Cipher, opts Options) *Vault {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	// Every token endpoint call gets the same bound whatever client was
	// supplied.
	bounded := *client
	bounded.Timeout = timeout

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Vault{
		store:   store,
		cipher:  cipher,
		client:  &bounded,
		logger:  logger.With(slog.String("component", "credentials")),
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// ClaimRequest describes a first token exchange with a provider.
type ClaimRequest struct {
	GrantType           models.GrantType           `json:"grant_type"`
	AuthorizationMethod models.AuthorizationMethod `json:"authorization_method"`
	ClientID            string                     `json:"client_id"`
	ClientSecret        string                     `json:"client_secret"`
	TokenURL            string                     `json:"token_url"`
	RedirectURL         string                     `json:"redirect_url,omitempty"`
	Code                string                     `json:"code,omitempty"`
	CodeVerifier        string                     `json:"code_verifier,omitempty"`
	Scope               string                     `json:"scope,omitempty"`
	Props               map[string]string          `json:"props,omitempty"`
}

// Validate checks the fields every grant needs plus the grant specific ones.
func (r *ClaimRequest) Validate() error {
	if err := r.GrantType.Validate(); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
	}

	if err := r.AuthorizationMethod.Validate(); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
	}

	if r.ClientID == "" || r.TokenURL == "" {
		return fmt.Errorf("%w: client_id and token_url are required", apperrors.ErrBadRequest)
	}

	if u, err := url.Parse(r.TokenURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: token_url must be an absolute http(s) URL", apperrors.ErrBadRequest)
	}

	if r.GrantType == models.GrantAuthorizationCode && (r.Code == "" || r.RedirectURL == "") {
		return fmt.Errorf("%w: code and redirect_url are required for %s", apperrors.ErrBadRequest, r.GrantType)
	}

	return nil
}

// Claim performs the initial token exchange and returns the value to
// persist. Provider rejections surface as ErrClaimFailed.
func (v *Vault) Claim(ctx context.Context, req ClaimRequest) (*models.OAuth2Value, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var form url.Values

	switch req.GrantType {
	case models.GrantAuthorizationCode:
		form = url.Values{
			"grant_type":   {string(models.GrantAuthorizationCode)},
			"code":         {req.Code},
			"redirect_uri": {req.RedirectURL},
		}

		if req.CodeVerifier != "" {
			form.Set("code_verifier", req.CodeVerifier)
		}
	case models.GrantClientCredentials:
		form = clientCredentialsForm(req.Scope, req.Props)
	}

	httpReq, err := newTokenRequest(ctx, req.TokenURL, form, req.AuthorizationMethod, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrClaimFailed, err)
	}

	tr, err := v.postToken(httpReq, "claim", apperrors.ErrClaimFailed)
	if err != nil {
		return nil, err
	}

	value := &models.OAuth2Value{
		GrantType:           req.GrantType,
		AuthorizationMethod: req.AuthorizationMethod,
		ClientID:            req.ClientID,
		ClientSecret:        req.ClientSecret,
		TokenURL:            req.TokenURL,
		RedirectURL:         req.RedirectURL,
		Scope:               resolveScope(req.Scope, req.Props),
		Props:               maps.Clone(req.Props),
	}

	tr.merge(value, v.now().Unix())

	return value, nil
}

// Refresh returns a current version of value. A value that is not yet
// expired is returned untouched. The input is never modified.
func (v *Vault) Refresh(ctx context.Context, value *models.OAuth2Value) (*models.OAuth2Value, error) {
	if !value.IsExpired(v.now()) {
		v.metrics.Refresh("skipped")
		return value, nil
	}

	var form url.Values

	switch value.GrantType {
	case models.GrantAuthorizationCode:
		form = url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {value.RefreshToken},
		}
	case models.GrantClientCredentials:
		form = clientCredentialsForm(value.Scope, value.Props)
	default:
		v.metrics.Refresh("error")
		return nil, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, value.GrantType.Validate())
	}

	httpReq, err := newTokenRequest(ctx, value.TokenURL, form, value.AuthorizationMethod, value.ClientID, value.ClientSecret)
	if err != nil {
		v.metrics.Refresh("error")
		return nil, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}

	tr, err := v.postToken(httpReq, "refresh", apperrors.ErrRefreshFailed)
	if err != nil {
		v.metrics.Refresh("error")
		return nil, err
	}

	refreshed := cloneValue(value)
	tr.merge(refreshed, v.now().Unix())
	v.metrics.Refresh("ok")

	return refreshed, nil
}

// Resolve returns the decrypted credential of a connection owned by
// ownerID and bound to appName, refreshing and persisting it first when
// it has expired. Concurrent resolutions of one connection share a
// single refresh.
func (v *Vault) Resolve(ctx context.Context, ownerID, connectionID, appName string) (*models.Credential, error) {
	conn, err := v.find(ownerID, connectionID, appName)
	if err != nil {
		return nil, err
	}

	cred := &models.Credential{ConnectionID: conn.ID, Kind: conn.Kind}

	switch conn.Kind {
	case models.ConnectionSecretText:
		plain, err := v.cipher.Decrypt(conn.EncryptedValue)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrDecrypt, err)
		}

		cred.Secret = string(plain)
	case models.ConnectionOAuth2:
		value, err := v.open(conn)
		if err != nil {
			return nil, err
		}

		if value.IsExpired(v.now()) {
			value, err = v.refreshShared(ctx, conn)
			if err != nil {
				return nil, err
			}
		}

		cred.OAuth2 = value
	default:
		return nil, conn.Kind.Validate()
	}

	return cred, nil
}

// refreshShared refreshes a connection at most once at a time. The stored
// value is re-read inside the flight so a caller that arrives after a
// completed refresh finds the fresh token instead of refreshing again.
func (v *Vault) refreshShared(ctx context.Context, conn *models.Connection) (*models.OAuth2Value, error) {
	ch := v.flight.DoChan(conn.ID, func() (any, error) {
		// One caller's cancellation must not fail the others waiting on it.
		fctx := context.WithoutCancel(ctx)

		latest, err := v.find(conn.OwnerID, conn.ID, conn.AppName)
		if err != nil {
			return nil, err
		}

		value, err := v.open(latest)
		if err != nil {
			return nil, err
		}

		refreshed, err := v.Refresh(fctx, value)
		if err != nil {
			v.logger.Warn("credential refresh failed",
				slog.String("connection_id", conn.ID),
				slog.String("app", conn.AppName),
				slog.String("error", err.Error()),
			)

			return nil, err
		}

		if refreshed == value {
			return value, nil
		}

		if err := v.seal(latest, refreshed); err != nil {
			return nil, err
		}

		v.logger.Info("credential refreshed",
			slog.String("connection_id", conn.ID),
			slog.String("app", conn.AppName),
		)

		return refreshed, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		// Each caller gets its own copy so request-scoped wiping cannot
		// reach another request.
		return cloneValue(res.Val.(*models.OAuth2Value)), nil
	}
}

// ConnectOAuth2 claims tokens and stores them as a new connection.
func (v *Vault) ConnectOAuth2(ctx context.Context, ownerID, appName string, req ClaimRequest) (*models.Connection, error) {
	value, err := v.Claim(ctx, req)
	if err != nil {
		return nil, err
	}

	conn := v.newConnection(ownerID, appName, models.ConnectionOAuth2)
	if err := v.seal(conn, value); err != nil {
		return nil, err
	}

	v.logger.Info("oauth2 connection created",
		slog.String("connection_id", conn.ID),
		slog.String("owner_id", ownerID),
		slog.String("app", appName),
		slog.String("grant_type", string(req.GrantType)),
	)

	return conn, nil
}

// StoreSecret stores a static secret as a new connection.
func (v *Vault) StoreSecret(ownerID, appName, secret string) (*models.Connection, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: secret must not be empty", apperrors.ErrBadRequest)
	}

	conn := v.newConnection(ownerID, appName, models.ConnectionSecretText)

	obj, err := v.cipher.Encrypt([]byte(secret))
	if err != nil {
		return nil, err
	}

	conn.EncryptedValue = obj

	if err := v.store.SaveConnection(*conn); err != nil {
		return nil, fmt.Errorf("saving connection: %w", err)
	}

	v.logger.Info("secret connection created",
		slog.String("connection_id", conn.ID),
		slog.String("owner_id", ownerID),
		slog.String("app", appName),
	)

	return conn, nil
}

func (v *Vault) newConnection(ownerID, appName string, kind models.ConnectionKind) *models.Connection {
	now := v.now().UTC()

	return &models.Connection{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		AppName:   appName,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// find loads a connection and checks it is bound to appName.
func (v *Vault) find(ownerID, connectionID, appName string) (*models.Connection, error) {
	conn, err := v.store.FindConnection(connectionID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}

	if conn == nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrConnectionNotFound, connectionID)
	}

	if conn.AppName != appName {
		return nil, fmt.Errorf("%w: %s belongs to %q, not %q", apperrors.ErrConnectionNotFound, connectionID, conn.AppName, appName)
	}

	return conn, nil
}

// open decrypts an OAuth2 connection value.
func (v *Vault) open(conn *models.Connection) (*models.OAuth2Value, error) {
	plain, err := v.cipher.Decrypt(conn.EncryptedValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDecrypt, err)
	}

	var value models.OAuth2Value
	if err := json.Unmarshal(plain, &value); err != nil {
		return nil, fmt.Errorf("%w: decoding oauth2 value: %w", apperrors.ErrDecrypt, err)
	}

	return &value, nil
}

// seal encrypts value into conn and persists it.
func (v *Vault) seal(conn *models.Connection, value *models.OAuth2Value) error {
	plain, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding oauth2 value: %w", err)
	}

	obj, err := v.cipher.Encrypt(plain)
	if err != nil {
		return err
	}

	conn.EncryptedValue = obj
	conn.UpdatedAt = v.now().UTC()

	if err := v.store.SaveConnection(*conn); err != nil {
		return fmt.Errorf("saving connection: %w", err)
	}

	return nil
}

func cloneValue(v *models.OAuth2Value) *models.OAuth2Value {
	c := *v
	c.Props = maps.Clone(v.Props)
	c.Data = maps.Clone(v.Data)

	return &c
}
