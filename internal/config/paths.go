package config

import (
	"os"
	"path/filepath"
)

// DataDir returns the crew data directory, creating it if needed.
// CREW_PATH overrides the default ~/.crew.
func DataDir() (string, error) {
	if p := os.Getenv("CREW_PATH"); p != "" {
		return ensureDir(p)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return ensureDir(filepath.Join(home, ".crew"))
}

// ConfigPath returns the path of the config file inside the data dir.
func ConfigPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.jsonc"), nil
}

// DotEnvPath returns the path of the .env file inside the data dir.
func DotEnvPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".env"), nil
}

// JournalPath returns the sqlite journal location.
func JournalPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "journal.db"), nil
}

// SecretsPath returns the encrypted secrets file location.
func SecretsPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "secrets.jsonc"), nil
}

// IdentityPath returns the age identity file location.
func IdentityPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "identity.age"), nil
}

// FilesRoot returns the default root for the file writer toolkit.
func FilesRoot() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return ensureDir(filepath.Join(dir, "files"))
}

func ensureDir(p string) (string, error) {
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", err
	}
	return p, nil
}
