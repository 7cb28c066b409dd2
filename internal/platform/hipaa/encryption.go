// Package hipaa holds the at-rest encryption primitives used for secret material
// stored in the relational database.
package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrAuthentication is returned when a ciphertext does not authenticate under the key,
// either because the key is wrong or the ciphertext was modified.
var ErrAuthentication = errors.New("ciphertext failed authentication")

// KeyCipher provides AES-256-GCM encryption with a random nonce per message.
type KeyCipher struct {
	aead cipher.AEAD
}

// NewKeyCipher creates a KeyCipher with the given 32-byte AES-256 key.
func NewKeyCipher(key []byte) (*KeyCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key cipher: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("key cipher: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("key cipher: create GCM: %w", err)
	}

	return &KeyCipher{aead: aead}, nil
}

// Seal encrypts data and returns the nonce prepended to the ciphertext.
// aad is authenticated but not encrypted and must be supplied again to Open.
func (c *KeyCipher) Seal(data, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("seal: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	return c.aead.Seal(nonce, nonce, data, aad), nil
}

// Open extracts the nonce from the front of data and decrypts the remainder.
func (c *KeyCipher) Open(data, aad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("open: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
