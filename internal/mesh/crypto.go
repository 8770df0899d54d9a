package mesh

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// NonceLen is the AES-GCM nonce size this layer always uses.
const NonceLen = 12

// ErrAuthFailed is returned by Decrypt when the AEAD tag does not verify,
// which covers both tampering and a wrong key.
var ErrAuthFailed = errors.New("mesh: aead authentication failed")

// Crypto is a stateless AEAD adapter: AES-256-GCM for a 32-byte key,
// AES-128-GCM for a 16-byte key, built on crypto/aes and crypto/cipher (see
// DESIGN.md for why this concern is stdlib rather than a pack-sourced
// dependency).
type Crypto struct {
	gcm cipher.AEAD
}

// NewCrypto builds a Crypto from a raw key. An empty key yields a Crypto
// whose EncryptionEnabled reports false and whose Encrypt/Decrypt always
// fail if called.
func NewCrypto(key []byte) (*Crypto, error) {
	if len(key) == 0 {
		return &Crypto{}, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mesh: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceLen)
	if err != nil {
		return nil, fmt.Errorf("mesh: gcm: %w", err)
	}
	return &Crypto{gcm: gcm}, nil
}

// EncryptionEnabled reports whether a key was configured.
func (c *Crypto) EncryptionEnabled() bool {
	return c != nil && c.gcm != nil
}

// Encrypt seals plaintext under a freshly generated nonce, authenticating
// aad alongside it. The returned ciphertext includes the GCM tag.
func (c *Crypto) Encrypt(plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	if !c.EncryptionEnabled() {
		return nil, nil, errors.New("mesh: encryption not enabled")
	}

	nonce = make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("mesh: nonce generation: %w", err)
	}
	ciphertext = c.gcm.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext (tag included) with nonce and aad, returning
// ErrAuthFailed on any tag mismatch.
func (c *Crypto) Decrypt(nonce, ciphertext, aad []byte) ([]byte, error) {
	if !c.EncryptionEnabled() {
		return nil, errors.New("mesh: encryption not enabled")
	}
	if len(nonce) != NonceLen {
		return nil, ErrAuthFailed
	}

	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
