// Package secrets encrypts at-rest secret columns (target secrets, signing
// keys, provider credentials) with AES-256-GCM.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrKeyMissing = errors.New("secrets key not configured")

// Box seals and opens secret values with a single workspace-wide key.
type Box struct {
	aead cipher.AEAD
}

// Open builds a Box from a base64-encoded 32-byte key.
func Open(keyB64 string) (*Box, error) {
	if keyB64 == "" {
		return nil, ErrKeyMissing
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode secrets key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext and returns nonce||ciphertext.
func (b *Box) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a value produced by Encrypt.
func (b *Box) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < b.aead.NonceSize() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ct := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	return b.aead.Open(nil, nonce, ct, nil)
}

// DecryptString is Decrypt for string-valued secrets.
func (b *Box) DecryptString(sealed []byte) (string, error) {
	pt, err := b.Decrypt(sealed)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
