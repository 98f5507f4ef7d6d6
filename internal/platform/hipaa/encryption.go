package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	nonceSize = 16
	tagSize   = 16
)

// ErrInvalidCiphertext is returned when a stored token cannot be decrypted,
// either because its structure is wrong or because authentication failed.
// It is never transient: the connection has to be re-established.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// TokenVault provides AES-256-GCM encryption for provider access and refresh
// tokens at rest. Ciphertexts are formatted as nonce:authTag:cipher, each
// part hex-encoded.
type TokenVault struct {
	aead cipher.AEAD
}

// NewTokenVault derives a 32-byte key from secret with SHA-256.
func NewTokenVault(secret string) (*TokenVault, error) {
	if secret == "" {
		return nil, fmt.Errorf("token vault: secret must not be empty")
	}
	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("token vault: create cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("token vault: create GCM: %w", err)
	}

	return &TokenVault{aead: aead}, nil
}

// Encrypt encrypts the plaintext string.
func (v *TokenVault) Encrypt(plaintext string) (string, error) {
	return v.EncryptBytes([]byte(plaintext))
}

// Decrypt reverses Encrypt.
func (v *TokenVault) Decrypt(ciphertext string) (string, error) {
	plaintext, err := v.DecryptBytes(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptBytes encrypts data with a fresh random nonce.
func (v *TokenVault) EncryptBytes(data []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("token vault: generate nonce: %w", err)
	}

	// Seal returns cipher || tag.
	sealed := v.aead.Seal(nil, nonce, data, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// DecryptBytes validates the ciphertext structure before opening it.
func (v *TokenVault) DecryptBytes(ciphertext string) ([]byte, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrInvalidCiphertext, len(parts))
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: malformed nonce", ErrInvalidCiphertext)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: malformed auth tag", ErrInvalidCiphertext)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cipher bytes", ErrInvalidCiphertext)
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrInvalidCiphertext)
	}
	return plaintext, nil
}
