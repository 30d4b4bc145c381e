// Package geoip resolves the country of ban subjects from a MaxMind
// GeoLite2/GeoIP2 Country or City database.
package geoip

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// Lookup returns the ISO country code of an IP, or "" when unknown.
type Lookup interface {
	Country(ip string) string
}

// Nop is a Lookup that knows nothing.
type Nop struct{}

// Country always returns "".
func (Nop) Country(string) string { return "" }

type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// DB is a Lookup backed by a maxminddb file.
type DB struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
}

// Open opens the database at path.
func Open(path string) (*DB, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}
	return &DB{reader: r}, nil
}

// Country returns the ISO code for ip. CIDRs use their network address.
func (d *DB) Country(ip string) string {
	if _, n, err := net.ParseCIDR(ip); err == nil {
		ip = n.IP.String()
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.reader == nil {
		return ""
	}
	var rec record
	if err := d.reader.Lookup(parsed, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// Close releases the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reader == nil {
		return nil
	}
	err := d.reader.Close()
	d.reader = nil
	return err
}
