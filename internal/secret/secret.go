// Package secret protects credentials stored in the shared database with a
// key that never leaves the agent host.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const tokenPrefix = "v1:"

var (
	ErrMalformedToken = errors.New("malformed protected token")
	ErrInvalidKey     = errors.New("invalid key file")
)

type Protector interface {
	Protect(plaintext string) (string, error)
	Unprotect(token string) (string, error)
}

// LocalKey seals values with XChaCha20-Poly1305 under a 256-bit key kept in
// a local file.
type LocalKey struct {
	key []byte
}

// LoadOrCreateKey reads the key file, creating it with a fresh random key
// when it does not exist.
func LoadOrCreateKey(path string) (*LocalKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: %s", ErrInvalidKey, path)
		}
		return &LocalKey{key: key}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	slog.Info("Generated secret key", "path", path)
	return &LocalKey{key: key}, nil
}

func NewLocalKey(key []byte) (*LocalKey, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &LocalKey{key: append([]byte(nil), key...)}, nil
}

func (k *LocalKey) Protect(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return tokenPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (k *LocalKey) Unprotect(token string) (string, error) {
	encoded, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return "", ErrMalformedToken
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformedToken
	}
	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformedToken
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}
	return string(plaintext), nil
}

// Reveal unprotects a stored value. Values that are not valid tokens are
// returned as-is: they were stored before protection was enabled, or by
// hand.
func Reveal(p Protector, stored string) string {
	if stored == "" || p == nil {
		return stored
	}
	plaintext, err := p.Unprotect(stored)
	if err != nil {
		slog.Debug("Stored secret is not a protected token, using it as plaintext", "error", err)
		return stored
	}
	return plaintext
}
