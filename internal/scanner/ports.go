package scanner

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/inercia/bulwark/internal/netutil"
)

const (
	MinPort = 1
	MaxPort = 65535
)

// ValidationError reports a malformed scan request. Nothing was scanned.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ParsePorts expands a port specification into sorted, deduplicated ports.
// It accepts single ports, comma lists, ranges "a-b" and "all".
func ParsePorts(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, &ValidationError{Field: "ports", Value: spec, Err: errors.New("port spec is empty")}
	}
	if strings.EqualFold(spec, "all") {
		ports := make([]int, 0, MaxPort)
		for p := MinPort; p <= MaxPort; p++ {
			ports = append(ports, p)
		}
		return ports, nil
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		start, end, err := parsePortItem(part)
		if err != nil {
			return nil, &ValidationError{Field: "ports", Value: spec, Err: err}
		}
		for p := start; p <= end; p++ {
			seen[p] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, &ValidationError{Field: "ports", Value: spec, Err: errors.New("no valid ports found")}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

func parsePortItem(item string) (int, int, error) {
	if lo, hi, ok := strings.Cut(item, "-"); ok {
		start, err := parsePort(lo)
		if err != nil {
			return 0, 0, err
		}
		end, err := parsePort(hi)
		if err != nil {
			return 0, 0, err
		}
		if start > end {
			return 0, 0, fmt.Errorf("port range out of order: %d-%d", start, end)
		}
		return start, end, nil
	}
	p, err := parsePort(item)
	return p, p, err
}

func parsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port: %s", s)
	}
	if v < MinPort || v > MaxPort {
		return 0, fmt.Errorf("port out of range: %d", v)
	}
	return v, nil
}

// ValidateHost accepts an IP literal or a hostname and returns its
// canonical form. Internationalised names are converted to ASCII.
func ValidateHost(host string) (string, error) {
	h := strings.TrimSpace(host)
	if h == "" {
		return "", &ValidationError{Field: "host", Value: host, Err: errors.New("host is empty")}
	}
	if addr, err := netip.ParseAddr(strings.Trim(h, "[]")); err == nil {
		if addr.Zone() != "" {
			return "", &ValidationError{Field: "host", Value: host, Err: errors.New("zoned addresses are not supported")}
		}
		return addr.Unmap().String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(h))
	if err != nil {
		return "", &ValidationError{Field: "host", Value: host, Err: err}
	}
	if ascii != "localhost" && (!netutil.ValidHostname(ascii) || numericTLD(ascii)) {
		return "", &ValidationError{Field: "host", Value: host, Err: errors.New("not an IP address or hostname")}
	}
	return ascii, nil
}

// numericTLD catches malformed dotted-quads such as "10.0.0" or "10.0.0.256".
func numericTLD(host string) bool {
	tld := host[strings.LastIndex(host, ".")+1:]
	_, err := strconv.Atoi(tld)
	return err == nil
}
