package mcpserver

import (
	"errors"
	"strings"
	"sync"

	"github.com/alexjbarnes/toolgate/internal/catalog"
	"github.com/alexjbarnes/toolgate/internal/models"
)

// errCredentialReleased is returned by a call that starts after its server
// was torn down.
var errCredentialReleased = errors.New("credential released")

// boundCredential is a resolved credential shared by the tools of one
// installed app. Handle.Close may wipe it while a call is in flight, so
// every access goes through the lock.
type boundCredential struct {
	mu       sync.RWMutex
	cred     *models.Credential
	released bool
}

func bindCredential(cred *models.Credential) *boundCredential {
	return &boundCredential{cred: cred}
}

// header returns the header that presents the credential to app.
func (b *boundCredential) header(app *catalog.AppDefinition) (string, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.released {
		return "", "", errCredentialReleased
	}

	switch b.cred.Kind {
	case models.ConnectionOAuth2:
		value := b.cred.OAuth2
		if value == nil || value.AccessToken == "" {
			return "", "", errCredentialReleased
		}

		tokenType := value.TokenType
		if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
			tokenType = "Bearer"
		}

		return "Authorization", tokenType + " " + value.AccessToken, nil
	case models.ConnectionSecretText:
		if b.cred.Secret == "" {
			return "", "", errCredentialReleased
		}

		name, value := app.SecretHeaderValue(b.cred.Secret)

		return name, value, nil
	default:
		return "", "", errCredentialReleased
	}
}

func (b *boundCredential) wipe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cred.Wipe()
	b.released = true
}
