// Package state persists tenant server configurations, connections and
// tenant settings in a bbolt database.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/toolgate/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	serversBucket     = []byte("servers")
	connectionsBucket = []byte("connections")
	settingsBucket    = []byte("tenant_settings")
)

// tokenKeyHash returns the SHA-256 hex digest of a server token.
// Used as the bbolt key so raw server tokens are not stored on disk.
func tokenKeyHash(token string) []byte {
	h := sha256.Sum256([]byte(token))
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])

	return dst
}

// State wraps a bbolt database for all persistent gateway state.
type State struct {
	db *bolt.DB
}

// DefaultPath returns ~/.toolgate/state.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".toolgate", "state.db")
	}

	return filepath.Join(home, ".toolgate", "state.db")
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{serversBucket, connectionsBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SaveServerConfig persists a server configuration keyed by the hash of
// its token. The raw token is not written.
func (s *State) SaveServerConfig(sc models.ServerConfig) error {
	if sc.Token == "" || sc.OwnerID == "" {
		return fmt.Errorf("server token and owner are required")
	}

	key := tokenKeyHash(sc.Token)
	sc.Token = ""

	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(serversBucket).Put(key, data)
	})
}

// FindServerConfig returns the server with the given token, but only when
// it is owned by ownerID. A token owned by someone else is reported the
// same as a missing one: nil, nil.
func (s *State) FindServerConfig(token, ownerID string) (*models.ServerConfig, error) {
	var sc *models.ServerConfig

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(serversBucket).Get(tokenKeyHash(token))
		if v == nil {
			return nil
		}

		var found models.ServerConfig
		if err := json.Unmarshal(v, &found); err != nil {
			return err
		}

		if found.OwnerID != ownerID {
			return nil
		}

		found.Token = token
		sc = &found

		return nil
	})

	return sc, err
}

// DeleteServerConfig removes a server configuration.
func (s *State) DeleteServerConfig(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(serversBucket).Delete(tokenKeyHash(token))
	})
}

// SaveConnection creates or replaces a connection.
func (s *State) SaveConnection(c models.Connection) error {
	if c.ID == "" || c.OwnerID == "" {
		return fmt.Errorf("connection id and owner are required")
	}

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(connectionsBucket).Put([]byte(c.ID), data)
	})
}

// FindConnection returns the connection with the given id owned by
// ownerID, or nil if there is none.
func (s *State) FindConnection(id, ownerID string) (*models.Connection, error) {
	var c *models.Connection

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(connectionsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		var found models.Connection
		if err := json.Unmarshal(v, &found); err != nil {
			return err
		}

		if found.OwnerID != ownerID {
			return nil
		}

		c = &found

		return nil
	})

	return c, err
}

// DeleteConnection removes a connection.
func (s *State) DeleteConnection(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(connectionsBucket).Delete([]byte(id))
	})
}

// GetTenantSettings returns the settings for ownerID, or the zero value
// if none were saved.
func (s *State) GetTenantSettings(ownerID string) (models.TenantSettings, error) {
	var ts models.TenantSettings

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get([]byte(ownerID))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &ts)
	})

	return ts, err
}

// SetTenantSettings persists settings for ownerID.
func (s *State) SetTenantSettings(ownerID string, ts models.TenantSettings) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(ownerID), data)
	})
}
