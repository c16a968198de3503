// Package secure provides an encrypted blob store for sensitive data: the
// auth bearer token and the persisted sync queue and status snapshots.
//
// Blobs are encrypted with AES-256-GCM under a key derived from a
// machine-specific identifier and written to <dir>/secure/<name>.blob with
// restrictive permissions.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// TokenKey is the blob name holding the auth bearer token.
	TokenKey = "auth_token"
	// QueueKey is the blob name holding the serialized sync queue.
	QueueKey = "sync_queue"
	// StatusKey is the blob name holding the serialized sync status.
	StatusKey = "sync_status"
)

// ErrNotFound is returned by Get when no blob exists under the given name.
var ErrNotFound = errors.New("secure blob not found")

// Store is a file-backed encrypted blob store.
type Store struct {
	dir string
	key []byte
}

// Open creates a Store rooted at dataDir. The encryption key is derived
// from the machine identifier, so blobs do not survive a move to another
// machine.
func Open(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "secure")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating secure directory: %w", err)
	}
	return &Store{dir: dir, key: deriveKey(machineID())}, nil
}

// Set encrypts and stores value under name, replacing any existing blob.
func (s *Store) Set(name string, value []byte) error {
	enc, err := encrypt(value, s.key)
	if err != nil {
		return fmt.Errorf("encrypting blob %q: %w", name, err)
	}
	if err := os.WriteFile(s.path(name), enc, 0o600); err != nil {
		return fmt.Errorf("writing blob %q: %w", name, err)
	}
	return nil
}

// Get returns the decrypted blob stored under name, or [ErrNotFound].
func (s *Store) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %q: %w", name, err)
	}
	value, err := decrypt(data, s.key)
	if err != nil {
		return nil, fmt.Errorf("decrypting blob %q: %w", name, err)
	}
	return value, nil
}

// Delete removes the blob stored under name. Missing blobs are not an error.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob %q: %w", name, err)
	}
	return nil
}

// SetToken stores the auth bearer token.
func (s *Store) SetToken(token string) error {
	return s.Set(TokenKey, []byte(token))
}

// Token returns the stored auth bearer token, or "" when none is set.
func (s *Store) Token() (string, error) {
	b, err := s.Get(TokenKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ClearToken removes the stored auth bearer token.
func (s *Store) ClearToken() error {
	return s.Delete(TokenKey)
}

func (s *Store) path(name string) string {
	// Sanitise the name so it cannot escape the secure directory.
	safe := strings.ReplaceAll(name, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return filepath.Join(s.dir, safe+".blob")
}

// --- crypto ------------------------------------------------------------------

// encrypt seals plaintext with AES-256-GCM, prepending the random nonce.
func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens data produced by encrypt.
func decrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.New("ciphertext authentication failed")
	}
	return plaintext, nil
}

// deriveKey derives a 32-byte AES key from the machine identifier.
func deriveKey(machineID string) []byte {
	sum := sha256.Sum256([]byte("phytosync:" + machineID))
	return sum[:]
}

// machineID returns a stable machine-specific identifier: the systemd
// machine-id when available, the dbus one as fallback, else the hostname.
func machineID() string {
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		return strings.TrimSpace(string(data))
	}
	if data, err := os.ReadFile("/var/lib/dbus/machine-id"); err == nil {
		return strings.TrimSpace(string(data))
	}
	hostname, _ := os.Hostname()
	return hostname
}
