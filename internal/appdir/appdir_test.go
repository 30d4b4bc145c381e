package appdir

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDir_EnvOverride(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	custom := t.TempDir()
	t.Setenv(DirEnv, custom)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if dir != custom {
		t.Errorf("Dir() = %q, want %q", dir, custom)
	}
}

func TestDir_Cached(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	first := t.TempDir()
	t.Setenv(DirEnv, first)
	if _, err := Dir(); err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}

	t.Setenv(DirEnv, t.TempDir())
	dir, _ := Dir()
	if dir != first {
		t.Errorf("Dir() = %q after env change, want cached %q", dir, first)
	}
}

func TestEnsureDir(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	base := filepath.Join(t.TempDir(), "state")
	t.Setenv(DirEnv, base)

	if err := EnsureDir(); err != nil {
		t.Fatalf("EnsureDir() failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(base, LogsDirName))
	if err != nil {
		t.Fatalf("logs dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("logs path is not a directory")
	}
}

func TestPaths(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	base := t.TempDir()
	t.Setenv(DirEnv, base)

	tests := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"config", ConfigPath, filepath.Join(base, ConfigFileName)},
		{"database", DatabasePath, filepath.Join(base, DatabaseFileName)},
		{"logs", LogsDir, filepath.Join(base, LogsDirName)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
