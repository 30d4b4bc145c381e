package firewall

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sort"

	"github.com/inercia/bulwark/internal/netutil"
)

// Resolver looks up addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DomainBlock is a normalised domain with every address it resolved to.
type DomainBlock struct {
	Domain      string   `json:"domain"`
	ResolvedIPs []string `json:"resolvedIPs"`
}

// NormalizeDomain validates user input and returns the bare hostname.
// Failures are ValidationErrors.
func NormalizeDomain(input string) (string, error) {
	domain, err := netutil.NormalizeDomain(input)
	if err != nil {
		return "", &ValidationError{Field: "domain", Value: input, Err: err}
	}
	return domain, nil
}

// resolveAll returns the deduplicated, sorted A and AAAA records of domain.
func resolveAll(ctx context.Context, r Resolver, domain string) ([]string, error) {
	addrs, err := r.LookupIPAddr(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, &ResolutionError{Host: domain, NotFound: true, Err: err}
		}
		return nil, &ResolutionError{Host: domain, Err: err}
	}

	seen := make(map[netip.Addr]struct{}, len(addrs))
	var out []netip.Addr
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		out = append(out, ip)
	}
	if len(out) == 0 {
		return nil, &ResolutionError{Host: domain, NotFound: true}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })

	ips := make([]string, len(out))
	for i, ip := range out {
		ips[i] = ip.String()
	}
	return ips, nil
}
