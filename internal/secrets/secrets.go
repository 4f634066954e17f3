// Package secrets handles encryption of upstream credentials at rest.
// Upstream API keys are stored AES-256-GCM encrypted and only decrypted in
// memory when a request is about to be forwarded.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	gateway "github.com/autorouter/autorouter/internal"
)

// Box encrypts and decrypts upstream secrets with a single AES-256 key.
type Box struct {
	gcm cipher.AEAD
}

// New creates a Box from a base64-encoded 32-byte key.
func New(encodedKey string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return NewFromKey(key)
}

// NewFromKey creates a Box from a raw 32-byte key.
func NewFromKey(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Box{gcm: gcm}, nil
}

// GenerateKey returns a fresh base64-encoded 32-byte key, for bootstrap.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext and returns base64(nonce+ciphertext).
// Empty plaintext encrypts to the empty string.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ct) < b.gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := ct[:b.gcm.NonceSize()], ct[b.gcm.NonceSize():]
	pt, err := b.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(pt), nil
}

// UpstreamSecret decrypts the stored credential for an upstream. Upstreams
// without a stored credential resolve to the empty string, which skips auth
// injection downstream.
func (b *Box) UpstreamSecret(u *gateway.Upstream) (string, error) {
	return b.Decrypt(u.APIKeyEncrypted)
}
