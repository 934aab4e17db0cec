// Package crypt provides encryption of cached API tokens at rest and masking
// of credential material in log output.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const gcmIVLength = 12

// TokenEncryptor encrypts and decrypts short secrets with AES-256-GCM. The
// random IV is prepended to the ciphertext and the whole blob is base64
// encoded. A TokenEncryptor holds no per-call state and is safe for
// concurrent use.
type TokenEncryptor struct {
	key []byte
}

// NewTokenEncryptor creates a TokenEncryptor from a base64-encoded 32-byte
// key.
func NewTokenEncryptor(base64Key string) (*TokenEncryptor, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key must not be empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("AES-256 key must be exactly 32 bytes, got %d", len(key))
	}
	return &TokenEncryptor{key: key}, nil
}

// Encrypt encrypts plaintext and returns a base64 blob of IV || ciphertext.
func (e *TokenEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext must not be empty")
	}

	aead, err := e.newAEAD()
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcmIVLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(iv, sealed...)), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input is an error.
func (e *TokenEncryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", errors.New("ciphertext must not be empty")
	}

	combined, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(combined) <= gcmIVLength {
		return "", errors.New("ciphertext too short to contain IV and data")
	}

	aead, err := e.newAEAD()
	if err != nil {
		return "", err
	}

	plain, err := aead.Open(nil, combined[:gcmIVLength], combined[gcmIVLength:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting token: %w", err)
	}
	return string(plain), nil
}

func (e *TokenEncryptor) newAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
