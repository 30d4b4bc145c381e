package netutil

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Subject is a parsed IP address or CIDR prefix.
type Subject struct {
	Prefix netip.Prefix
	// IsAddr is true when the input was a bare address.
	IsAddr bool
}

// String returns the canonical form: bare address for single hosts,
// masked prefix otherwise.
func (s Subject) String() string {
	if s.IsAddr {
		return s.Prefix.Addr().String()
	}
	return s.Prefix.Masked().String()
}

// Version returns 4 or 6.
func (s Subject) Version() int {
	if s.Prefix.Addr().Is4() {
		return 4
	}
	return 6
}

// IsLoopback reports whether the subject covers a loopback address.
func (s Subject) IsLoopback() bool {
	if s.Prefix.Addr().IsLoopback() {
		return true
	}
	for _, lo := range []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.IPv6Loopback()} {
		if s.Prefix.Contains(lo) {
			return true
		}
	}
	return false
}

// ParseSubject parses an IPv4/IPv6 address or CIDR. IPv4-mapped IPv6
// addresses are unmapped.
func ParseSubject(s string) (Subject, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Subject{}, fmt.Errorf("empty address")
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Subject{}, fmt.Errorf("invalid CIDR %q", s)
		}
		if p.Addr().Is4In6() {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		if p.Bits() == p.Addr().BitLen() {
			return Subject{Prefix: p, IsAddr: true}, nil
		}
		return Subject{Prefix: p.Masked()}, nil
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return Subject{}, fmt.Errorf("invalid IP address %q", s)
	}
	addr = addr.Unmap().WithZone("")
	return Subject{Prefix: netip.PrefixFrom(addr, addr.BitLen()), IsAddr: true}, nil
}

// IsIP reports whether s parses as a bare IP address.
func IsIP(s string) bool {
	_, err := netip.ParseAddr(strings.Trim(strings.TrimSpace(s), "[]"))
	return err == nil
}

// HostFromAddr extracts the IP from a "host:port" remote address string.
func HostFromAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
