// Package crypto implements the encryption-at-rest boundary for stored
// credentials. Values are sealed with AES-256-GCM under a key derived from
// the configured master secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/alexjbarnes/toolgate/internal/models"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

const (
	// keyLen is the derived AES key length in bytes (AES-256).
	keyLen = 32

	// MinSecretLen is the shortest master secret accepted.
	MinSecretLen = 32
)

var (
	hkdfSalt = []byte("toolgate/connections")
	hkdfInfo = []byte("connection-value-v1")
)

// Cipher seals and opens credential values.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher derives an AES-GCM cipher from the master secret. The secret
// is normalized to NFKC before derivation so equivalent unicode input
// yields the same key.
func NewCipher(secret string) (*Cipher, error) {
	secret = norm.NFKC.String(secret)
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("encryption secret too short (minimum %d characters)", MinSecretLen)
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), hkdfSalt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	defer zeroKey(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Encrypt seals plaintext with a fresh random IV.
func (c *Cipher) Encrypt(plaintext []byte) (models.EncryptedObject, error) {
	iv := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return models.EncryptedObject{}, fmt.Errorf("generating IV: %w", err)
	}

	ciphertext := c.gcm.Seal(nil, iv, plaintext, nil)

	return models.EncryptedObject{
		IV:   hex.EncodeToString(iv),
		Data: hex.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens an object produced by Encrypt.
func (c *Cipher) Decrypt(obj models.EncryptedObject) ([]byte, error) {
	iv, err := hex.DecodeString(obj.IV)
	if err != nil {
		return nil, fmt.Errorf("decoding IV: %w", err)
	}

	if len(iv) != c.gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV length: %d bytes", len(iv))
	}

	data, err := hex.DecodeString(obj.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	plaintext, err := c.gcm.Open(nil, iv, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}

func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
