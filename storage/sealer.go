package storage

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts credential records before they touch the database.
// Rows are sealed with XChaCha20-Poly1305 under a 32-byte key; the
// nonce is prepended to each ciphertext.
type Sealer struct {
	key []byte
}

// NewSealer validates the key and returns a sealer.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext and prepends the random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed record.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed record too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed record: %w", err)
	}
	return plaintext, nil
}
