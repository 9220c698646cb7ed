package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsExpired_AuthorizationCodeWithoutRefreshTokenNeverExpires(t *testing.T) {
	v := OAuth2Value{
		GrantType: GrantAuthorizationCode,
		ClaimedAt: 1000,
		ExpiresIn: 60,
	}

	for _, now := range []int64{0, 1000, 1060, 1_000_000_000} {
		assert.False(t, v.IsExpired(time.Unix(now, 0)), "now=%d", now)
	}
}

func TestIsExpired_Boundary(t *testing.T) {
	v := OAuth2Value{
		GrantType:    GrantAuthorizationCode,
		RefreshToken: "r1",
		ClaimedAt:    1000,
		ExpiresIn:    3600,
	}

	assert.False(t, v.IsExpired(time.Unix(1000+3600-901, 0)))
	assert.True(t, v.IsExpired(time.Unix(1000+3600-900, 0)))
	assert.True(t, v.IsExpired(time.Unix(1000+3600-899, 0)))
}

func TestIsExpired_DefaultExpiresIn(t *testing.T) {
	v := OAuth2Value{GrantType: GrantClientCredentials, ClaimedAt: 1000}

	assert.False(t, v.IsExpired(time.Unix(1000+DefaultExpiresIn-RefreshLeeway-1, 0)))
	assert.True(t, v.IsExpired(time.Unix(1000+DefaultExpiresIn-RefreshLeeway, 0)))
}

func TestIsExpired_ClientCredentialsWithoutRefreshTokenCanExpire(t *testing.T) {
	v := OAuth2Value{GrantType: GrantClientCredentials, ClaimedAt: 1000, ExpiresIn: 60}
	assert.True(t, v.IsExpired(time.Unix(1000, 0)))
}

func TestToolSelection_JSON(t *testing.T) {
	var app InstalledApp
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","app_name":"github","selected_tools":"all"}`), &app))
	assert.True(t, app.SelectedTools.All)
	assert.True(t, app.SelectedTools.Includes("anything"))

	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","app_name":"github","selected_tools":["list_repos"]}`), &app))
	assert.False(t, app.SelectedTools.All)
	assert.True(t, app.SelectedTools.Includes("list_repos"))
	assert.False(t, app.SelectedTools.Includes("delete_repo"))

	data, err := json.Marshal(AllTools())
	require.NoError(t, err)
	assert.JSONEq(t, `"all"`, string(data))

	data, err = json.Marshal(ToolSelection{})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestToolSelection_RejectsUnknownString(t *testing.T) {
	var sel ToolSelection
	assert.Error(t, json.Unmarshal([]byte(`"some"`), &sel))
}

func TestEnums_Validate(t *testing.T) {
	assert.NoError(t, GrantAuthorizationCode.Validate())
	assert.NoError(t, GrantClientCredentials.Validate())
	assert.Error(t, GrantType("password").Validate())

	assert.NoError(t, AuthMethodBody.Validate())
	assert.NoError(t, AuthMethodHeader.Validate())
	assert.Error(t, AuthorizationMethod("jwt").Validate())

	assert.NoError(t, ConnectionOAuth2.Validate())
	assert.NoError(t, ConnectionSecretText.Validate())
	assert.Error(t, ConnectionKind("ssh").Validate())
}

func TestSession_ExpiredAndScopes(t *testing.T) {
	now := time.Now()

	s := Session{SubjectID: "u1", Kind: SessionOAuth2, Scopes: []string{"read"}, ExpiresAt: now.Add(time.Minute)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(time.Minute)))
	assert.True(t, s.HasScope("read"))
	assert.False(t, s.HasScope("write"))

	key := Session{SubjectID: "svc", Kind: SessionAPIKey, Scopes: []string{ScopeAll}}
	assert.False(t, key.Expired(now.Add(100*365*24*time.Hour)))
	assert.True(t, key.HasScope("write"))
}
