// Package crypto seals small payloads (task tokens) with AES-GCM so that a
// worker cannot forge completions for executions it was never handed.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidKey        = errors.New("invalid sealing key")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrOpenFailed        = errors.New("failed to open sealed payload")
)

const keyIterations = 4096

// Sealer encrypts and decrypts opaque tokens.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives an AES-256 key from the master key and builds a sealer.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) < 16 {
		return nil, ErrInvalidKey
	}

	key := pbkdf2.Key(masterKey, []byte("orbitflow-token"), keyIterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{gcm: gcm}, nil
}

// NewSealerFromString builds a sealer from a base64 or hex encoded key.
func NewSealerFromString(keyStr string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		key, err = hex.DecodeString(keyStr)
		if err != nil {
			// Fall back to the raw string bytes for ease of configuration.
			key = []byte(keyStr)
		}
	}
	return NewSealer(key)
}

// Seal encrypts the plaintext and returns a URL-safe token.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := s.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a token produced by Seal.
func (s *Sealer) Open(token string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(data) < s.gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := data[:s.gcm.NonceSize()], data[s.gcm.NonceSize():]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}
