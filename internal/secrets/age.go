// Package secrets stores provider credentials encrypted at rest with age.
package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

const blobPrefix = "ENC[age:"

// GenerateIdentity creates a new age identity file at path.
func GenerateIdentity(path string) (*age.X25519Identity, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	content := fmt.Sprintf("# public key: %s\n%s\n", id.Recipient(), id)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return id, nil
}

// LoadIdentity reads an age identity file, generating one if missing.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return GenerateIdentity(path)
		}
		return nil, fmt.Errorf("read identity: %w", err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		return id, nil
	}
	return nil, fmt.Errorf("no identity found in %s", path)
}

// Encrypt seals a value into an ENC[age:...] blob.
func Encrypt(id *age.X25519Identity, value string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, id.Recipient())
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if _, err := io.WriteString(w, value); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return blobPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + "]", nil
}

// Decrypt opens an ENC[age:...] blob. Plain values pass through unchanged.
func Decrypt(id *age.X25519Identity, blob string) (string, error) {
	if !IsEncrypted(blob) {
		return blob, nil
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(blob, blobPrefix), "]")
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode blob: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), id)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// IsEncrypted reports whether a value is an ENC[age:...] blob.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, blobPrefix) && strings.HasSuffix(value, "]")
}
