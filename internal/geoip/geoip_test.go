package geoip

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNop(t *testing.T) {
	var l Lookup = Nop{}
	if got := l.Country("8.8.8.8"); got != "" {
		t.Errorf("Nop.Country = %q", got)
	}
}

func TestOpen_Invalid(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mmdb")); err == nil {
		t.Error("expected error for missing database")
	}

	bogus := filepath.Join(t.TempDir(), "bogus.mmdb")
	if err := os.WriteFile(bogus, []byte("not a database"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(bogus); err == nil {
		t.Error("expected error for corrupt database")
	}
}

func TestDB_ClosedReturnsEmpty(t *testing.T) {
	d := &DB{}
	if got := d.Country("1.1.1.1"); got != "" {
		t.Errorf("Country on closed db = %q", got)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
