package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"filippo.io/age"
	"github.com/tailscale/hujson"
)

// ErrNotFound is returned when a named secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Store maps names to encrypted values, persisted as a JSONC file.
type Store struct {
	mu       sync.RWMutex
	path     string
	identity *age.X25519Identity
	values   map[string]string
}

// OpenStore loads (or initializes) the secrets file at path using the
// identity at identityPath.
func OpenStore(path, identityPath string) (*Store, error) {
	id, err := LoadIdentity(identityPath)
	if err != nil {
		return nil, err
	}

	s := &Store{path: path, identity: id, values: map[string]string{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read secrets %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parse secrets %s: %w", path, err)
	}
	if err := json.Unmarshal(std, &s.values); err != nil {
		return nil, fmt.Errorf("decode secrets %s: %w", path, err)
	}
	return s, nil
}

// Get decrypts and returns the named secret.
func (s *Store) Get(name string) (string, error) {
	s.mu.RLock()
	blob, ok := s.values[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Decrypt(s.identity, blob)
}

// Set encrypts and persists a secret.
func (s *Store) Set(name, value string) error {
	blob, err := Encrypt(s.identity, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = blob
	return s.flushLocked()
}

// Delete removes a secret. Deleting a missing secret is a no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[name]; !ok {
		return nil
	}
	delete(s.values, name)
	return s.flushLocked()
}

// Names lists stored secret names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for name := range s.values {
		out = append(out, name)
	}
	return out
}

func (s *Store) flushLocked() error {
	raw, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o600)
}
