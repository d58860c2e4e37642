// Package crypto implements the encrypt-before-send pipeline for video
// payloads. Frames are sealed with AES-256-GCM under a process-lifetime
// symmetric key that lives inside a key store; the rest of the system
// only ever holds the store handle, never raw key bytes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"

	"github.com/mirrorcast/mirrorcast/limits"
)

// ErrAuthFailed indicates a GCM tag mismatch or truncated ciphertext.
// The offending frame is dropped by callers; it is never fatal on its
// own.
var ErrAuthFailed = errors.New("authentication failed")

// KeyStore is the secure key store collaborator. Implementations hold
// key material behind an alias; callers delegate encrypt/decrypt calls
// through the handle and never observe raw key bytes.
type KeyStore interface {
	// EnsureKeyExists generates a 256-bit key under the alias if absent.
	// Existing keys are left untouched; the core never rotates them.
	EnsureKeyExists(alias string) error

	// Encrypt seals plaintext under the aliased key with a fresh random
	// 96-bit nonce, returning the nonce and the ciphertext+tag.
	Encrypt(alias string, plaintext []byte) (nonce, ciphertext []byte, err error)

	// Decrypt opens ciphertext+tag under the aliased key. A tag
	// mismatch or truncated input returns ErrAuthFailed.
	Decrypt(alias string, nonce, ciphertext []byte) ([]byte, error)
}

const (
	// pbkdf2Iterations is the PBKDF2 work factor for the at-rest key
	// wrapping (NIST recommendation).
	pbkdf2Iterations = 100000
	// saltSize is the PBKDF2 salt length.
	saltSize = 32
	// keySize is the AES-256 key length.
	keySize = 32
)

// FileKeyStore persists keys on disk, wrapped with AES-GCM under a
// PBKDF2-derived master key. This gives defense-in-depth for the key
// material even if the key directory is copied off the device.
type FileKeyStore struct {
	mu       sync.Mutex
	masterKy [keySize]byte
	dataDir  string
	saltFile string
	keys     map[string][]byte
}

// NewFileKeyStore opens (or initializes) a key store rooted at dataDir.
// masterPassword is wiped before returning.
func NewFileKeyStore(dataDir string, masterPassword []byte) (*FileKeyStore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	ks := &FileKeyStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
		keys:     make(map[string][]byte),
	}

	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derived := pbkdf2.Key(masterPassword, salt, pbkdf2Iterations, keySize, sha256.New)
	copy(ks.masterKy[:], derived)
	ZeroBytes(derived)
	ZeroBytes(masterPassword)

	logrus.WithFields(logrus.Fields{
		"function": "NewFileKeyStore",
		"data_dir": dataDir,
	}).Debug("File key store opened")

	return ks, nil
}

// loadOrGenerateSalt loads the existing PBKDF2 salt or generates one.
func (ks *FileKeyStore) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(ks.saltFile)
	if err == nil {
		if len(data) != saltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(ks.saltFile, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

// EnsureKeyExists implements KeyStore. The key is generated once per
// install; subsequent calls load the wrapped key from disk.
func (ks *FileKeyStore) EnsureKeyExists(alias string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, ok := ks.keys[alias]; ok {
		return nil
	}

	key, err := ks.readWrappedKey(alias)
	if err == nil {
		ks.keys[alias] = key
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if err := ks.writeWrappedKey(alias, key); err != nil {
		return err
	}
	ks.keys[alias] = key

	logrus.WithFields(logrus.Fields{
		"function": "EnsureKeyExists",
		"alias":    alias,
	}).Info("Generated new session key")

	return nil
}

// Encrypt implements KeyStore.
func (ks *FileKeyStore) Encrypt(alias string, plaintext []byte) ([]byte, []byte, error) {
	key, err := ks.lookupKey(alias)
	if err != nil {
		return nil, nil, err
	}
	return sealGCM(key, plaintext)
}

// Decrypt implements KeyStore.
func (ks *FileKeyStore) Decrypt(alias string, nonce, ciphertext []byte) ([]byte, error) {
	key, err := ks.lookupKey(alias)
	if err != nil {
		return nil, err
	}
	return openGCM(key, nonce, ciphertext)
}

func (ks *FileKeyStore) lookupKey(alias string) ([]byte, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	key, ok := ks.keys[alias]
	if !ok {
		return nil, fmt.Errorf("no key for alias %q (call EnsureKeyExists first)", alias)
	}
	return key, nil
}

// writeWrappedKey seals the key under the master key and writes it
// atomically via a temporary file plus rename.
func (ks *FileKeyStore) writeWrappedKey(alias string, key []byte) error {
	nonce, sealed, err := sealGCM(ks.masterKy[:], key)
	if err != nil {
		return fmt.Errorf("failed to wrap key: %w", err)
	}

	blob := make([]byte, 0, len(nonce)+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	tmpFile := filepath.Join(ks.dataDir, alias+".key.tmp")
	finalFile := filepath.Join(ks.dataDir, alias+".key")

	if err := os.WriteFile(tmpFile, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename key file: %w", err)
	}
	return nil
}

// readWrappedKey loads and unwraps the key file for the alias.
func (ks *FileKeyStore) readWrappedKey(alias string) ([]byte, error) {
	blob, err := os.ReadFile(filepath.Join(ks.dataDir, alias+".key"))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(blob) < limits.NonceSize+limits.TagSize {
		return nil, fmt.Errorf("key file too short: %d bytes", len(blob))
	}

	key, err := openGCM(ks.masterKy[:], blob[:limits.NonceSize], blob[limits.NonceSize:])
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key (wrong password or corrupted file): %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("unwrapped key has invalid size: %d", len(key))
	}
	return key, nil
}

// Close wipes cached key material. The store must not be used after.
func (ks *FileKeyStore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for _, key := range ks.keys {
		ZeroBytes(key)
	}
	ks.keys = make(map[string][]byte)
	ZeroBytes(ks.masterKy[:])
	return nil
}

// MemoryKeyStore is a volatile KeyStore. Keys live only for the process
// lifetime; useful for tests and for receivers that negotiate the key
// out of band.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

// EnsureKeyExists implements KeyStore.
func (ms *MemoryKeyStore) EnsureKeyExists(alias string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.keys[alias]; ok {
		return nil
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	ms.keys[alias] = key
	return nil
}

// ImportKey installs externally provisioned key material under the
// alias, so both ends of a session can share one key.
func (ms *MemoryKeyStore) ImportKey(alias string, key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("key must be %d bytes, got %d", keySize, len(key))
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.keys[alias] = append([]byte(nil), key...)
	return nil
}

// Encrypt implements KeyStore.
func (ms *MemoryKeyStore) Encrypt(alias string, plaintext []byte) ([]byte, []byte, error) {
	key, err := ms.lookupKey(alias)
	if err != nil {
		return nil, nil, err
	}
	return sealGCM(key, plaintext)
}

// Decrypt implements KeyStore.
func (ms *MemoryKeyStore) Decrypt(alias string, nonce, ciphertext []byte) ([]byte, error) {
	key, err := ms.lookupKey(alias)
	if err != nil {
		return nil, err
	}
	return openGCM(key, nonce, ciphertext)
}

func (ms *MemoryKeyStore) lookupKey(alias string) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	key, ok := ms.keys[alias]
	if !ok {
		return nil, fmt.Errorf("no key for alias %q (call EnsureKeyExists first)", alias)
	}
	return key, nil
}

// sealGCM encrypts plaintext with AES-256-GCM under key using a fresh
// random 96-bit nonce.
func sealGCM(key, plaintext []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// openGCM decrypts and authenticates ciphertext. Authentication
// failures map to ErrAuthFailed so callers can apply the drop/escalate
// policy.
func openGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() || len(ciphertext) < gcm.Overhead() {
		return nil, ErrAuthFailed
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// ZeroBytes erases the contents of a byte slice containing sensitive
// data, using subtle to discourage the compiler from eliding the wipe.
func ZeroBytes(data []byte) {
	if data == nil {
		return
	}
	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)
	runtime.KeepAlive(data)
}
