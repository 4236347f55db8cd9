package oidc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrInvalidSecretKey = errors.New("secret key must decode to 32 bytes")
	ErrSecretCorrupt    = errors.New("client secret ciphertext is corrupt")
)

// SecretKey seals and opens client secrets kept in configuration files.
// Ciphertexts are base64url(nonce || AES-256-GCM output).
type SecretKey struct {
	aead cipher.AEAD
}

// ParseSecretKey accepts a 32-byte key encoded as hex or standard base64.
func ParseSecretKey(encoded string) (*SecretKey, error) {
	encoded = strings.TrimSpace(encoded)
	var raw []byte
	if b, err := hex.DecodeString(encoded); err == nil && len(b) == 32 {
		raw = b
	} else if b, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(b) == 32 {
		raw = b
	} else {
		return nil, ErrInvalidSecretKey
	}
	return NewSecretKey(raw)
}

// NewSecretKey builds a SecretKey from raw key bytes.
func NewSecretKey(raw []byte) (*SecretKey, error) {
	if len(raw) != 32 {
		return nil, ErrInvalidSecretKey
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &SecretKey{aead: aead}, nil
}

// GenerateSecretKey returns a fresh random key, hex encoded.
func GenerateSecretKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Seal encrypts a client secret. The issuer is bound as additional data so a
// ciphertext cannot be moved to another issuer's entry.
func (k *SecretKey) Seal(issuer, secret string) (string, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := k.aead.Seal(nonce, nonce, []byte(secret), []byte(issuer))
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a ciphertext produced by Seal for the same issuer.
func (k *SecretKey) Open(issuer, sealed string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	n := k.aead.NonceSize()
	if len(data) < n {
		return "", ErrSecretCorrupt
	}
	plain, err := k.aead.Open(nil, data[:n], data[n:], []byte(issuer))
	if err != nil {
		return "", ErrSecretCorrupt
	}
	return string(plain), nil
}
