package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNoKey is returned when sealing is attempted without key material.
var ErrNoKey = errors.New("crypto: encryption key not configured")

// EnvCipher seals site environment maps with AES-GCM.
type EnvCipher struct {
	aead cipher.AEAD
}

// NewEnvCipher derives a 32 byte key from secret using SHA-256.
func NewEnvCipher(secret string) (*EnvCipher, error) {
	if secret == "" {
		return nil, ErrNoKey
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &EnvCipher{aead: gcm}, nil
}

// Seal encrypts plaintext, prefixing the random nonce.
func (c *EnvCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (c *EnvCipher) Open(payload []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(payload) < nonceSize {
		return nil, io.ErrUnexpectedEOF
	}
	return c.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
}

// SealEnv encodes and encrypts an environment map. Empty maps seal to nil.
func (c *EnvCipher) SealEnv(env map[string]string) ([]byte, error) {
	if len(env) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode env: %w", err)
	}
	return c.Seal(raw)
}

// OpenEnv decrypts a payload produced by SealEnv.
func (c *EnvCipher) OpenEnv(payload []byte) (map[string]string, error) {
	if len(payload) == 0 {
		return map[string]string{}, nil
	}
	raw, err := c.Open(payload)
	if err != nil {
		return nil, fmt.Errorf("decrypt env: %w", err)
	}
	env := map[string]string{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return env, nil
}
