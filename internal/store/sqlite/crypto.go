package sqlite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Credential secrets are sealed with AES-256-GCM under a deployment master
// key. The stored form is base64(nonce || ciphertext).

func parseMasterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, nil // secrets unreadable; fine for the market data engine
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("master key: not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key: need 32 bytes, got %d", len(key))
	}
	return key, nil
}

// EncryptSecret seals a plaintext secret for storage. Used by the admin
// path when credentials are registered.
func EncryptSecret(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSecret opens a stored secret.
func DecryptSecret(key []byte, stored string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("secret: bad encoding: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("secret: truncated")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secret: decrypt: %w", err)
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("master key not configured")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
