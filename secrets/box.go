// Package secrets encrypts exchange credentials at rest with AES-256-GCM.
// The key lives in a file next to the database; it is generated on first
// run and must stay mode 0600.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const keySize = 32

// Box seals and opens credential strings.
type Box struct {
	aead cipher.AEAD
}

// Open loads the key from keyPath, generating a fresh one when the file does
// not exist yet.
func Open(keyPath string) (*Box, error) {
	key, err := os.ReadFile(keyPath)
	if errors.Is(err, os.ErrNotExist) {
		key, err = generateKey(keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load secret key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("secret key %s: want %d bytes, got %d", keyPath, keySize, len(key))
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

func generateKey(keyPath string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(keyPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, err
	}
	log.Warn().Str("path", keyPath).Msg("🔑 Generated new encryption key, keep this file safe")
	return key, nil
}

// Seal encrypts a credential. Empty input stays empty.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// MustOpenValue decrypts a stored credential. Values that fail to decode or
// authenticate are assumed to predate encryption and are returned as-is with
// a warning, so an operator can migrate by re-saving the account.
func (b *Box) MustOpenValue(stored string) string {
	if stored == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil || len(raw) <= b.aead.NonceSize() {
		log.Warn().Msg("⚠️ Credential is not encrypted, using as plaintext")
		return stored
	}
	nonce, ct := raw[:b.aead.NonceSize()], raw[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		log.Warn().Msg("⚠️ Credential failed to decrypt, using as plaintext")
		return stored
	}
	return string(plaintext)
}
