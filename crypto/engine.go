package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mirrorcast/mirrorcast/limits"
)

// Engine is the per-session encryption pipeline. It delegates all key
// operations to an injected KeyStore handle; there is no process-wide
// singleton. The handle is read-only shared state, so one Engine may be
// called concurrently from the send and receive workers.
type Engine struct {
	store KeyStore
	alias string
}

// NewEngine binds an engine to a key store and alias, generating the
// key on first use if it does not exist yet.
func NewEngine(store KeyStore, alias string) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if alias == "" {
		return nil, fmt.Errorf("key alias is required")
	}
	if err := store.EnsureKeyExists(alias); err != nil {
		return nil, fmt.Errorf("failed to provision key %q: %w", alias, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewEngine",
		"alias":    alias,
	}).Debug("Crypto engine ready")

	return &Engine{store: store, alias: alias}, nil
}

// Encrypt seals one video payload, returning the fresh nonce and the
// ciphertext+tag. The caller prepends the nonce on the wire.
func (e *Engine) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	if err := limits.ValidatePlaintextFrame(plaintext); err != nil {
		return nil, nil, err
	}
	return e.store.Encrypt(e.alias, plaintext)
}

// Decrypt opens one video payload. Tag mismatches and truncated inputs
// surface as ErrAuthFailed; the caller drops the frame and applies the
// consecutive-failure escalation policy.
func (e *Engine) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != limits.NonceSize {
		return nil, ErrAuthFailed
	}
	return e.store.Decrypt(e.alias, nonce, ciphertext)
}

// Seal encrypts plaintext and returns the combined wire payload
// (nonce || ciphertext+tag) ready for framing.
func (e *Engine) Seal(plaintext []byte) ([]byte, error) {
	nonce, ciphertext, err := e.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, len(nonce)+len(ciphertext))
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	return payload, nil
}

// Open splits a combined wire payload into nonce and ciphertext and
// decrypts it.
func (e *Engine) Open(payload []byte) ([]byte, error) {
	if len(payload) < limits.EncryptionOverhead {
		return nil, ErrAuthFailed
	}
	return e.Decrypt(payload[:limits.NonceSize], payload[limits.NonceSize:])
}
