// Package appdir locates the Bulwark state directory. It holds the YAML
// configuration, the sqlite database with persisted blocks, and log files.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DirEnv overrides the state directory.
	DirEnv = "BULWARK_DIR"

	// ConfigFileName is the default configuration file.
	ConfigFileName = "config.yaml"

	// DatabaseFileName is the sqlite database holding blocks and settings.
	DatabaseFileName = "bulwark.db"

	// LogsDirName is the directory for rotated log files.
	LogsDirName = "logs"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the state directory. Resolution order:
//  1. BULWARK_DIR
//  2. /var/lib/bulwark when running as root
//  3. $XDG_DATA_HOME/bulwark or ~/.local/share/bulwark
//
// Dir does not create the directory; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}
	if os.Geteuid() == 0 {
		return "/var/lib/bulwark", nil
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "bulwark"), nil
}

// EnsureDir creates the state directory and its logs subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, LogsDirName), 0o750); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return nil
}

// ConfigPath returns the default configuration file path.
func ConfigPath() (string, error) {
	return join(ConfigFileName)
}

// DatabasePath returns the sqlite database path.
func DatabasePath() (string, error) {
	return join(DatabaseFileName)
}

// LogsDir returns the log directory path.
func LogsDir() (string, error) {
	return join(LogsDirName)
}

func join(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ResetCache clears the cached directory. Used by tests.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
