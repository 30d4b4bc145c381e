package web

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"github.com/inercia/bulwark/internal/netutil"
)

// TrustedProxyChecker decides which client address a request is attributed
// to. Forwarded headers are honoured only when the direct peer is a trusted
// proxy. It is safe for concurrent use and can be reloaded at runtime.
type TrustedProxyChecker struct {
	mu       sync.RWMutex
	prefixes []netip.Prefix
}

// NewTrustedProxyChecker creates a checker from IP addresses and CIDR
// ranges. Invalid entries are skipped.
func NewTrustedProxyChecker(trustedProxies []string) *TrustedProxyChecker {
	tpc := &TrustedProxyChecker{}
	tpc.Set(trustedProxies)
	return tpc
}

// Set replaces the trusted proxy list.
func (tpc *TrustedProxyChecker) Set(trustedProxies []string) {
	var prefixes []netip.Prefix
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if p, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil {
			a = a.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}

	tpc.mu.Lock()
	tpc.prefixes = prefixes
	tpc.mu.Unlock()
}

// IsTrusted reports whether ip (with or without port) is a trusted proxy.
func (tpc *TrustedProxyChecker) IsTrusted(ip string) bool {
	addr, err := netip.ParseAddr(netutil.HostFromAddr(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	tpc.mu.RLock()
	defer tpc.mu.RUnlock()
	for _, p := range tpc.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// HasTrustedProxies reports whether any proxy is configured.
func (tpc *TrustedProxyChecker) HasTrustedProxies() bool {
	tpc.mu.RLock()
	defer tpc.mu.RUnlock()
	return len(tpc.prefixes) > 0
}

// ClientIP returns the address a request is attributed to, without port.
// X-Forwarded-For (first entry) and X-Real-IP are used only when the
// direct peer is trusted and the header holds a valid address.
func (tpc *TrustedProxyChecker) ClientIP(r *http.Request) string {
	direct := netutil.HostFromAddr(r.RemoteAddr)
	if tpc == nil || !tpc.HasTrustedProxies() || !tpc.IsTrusted(direct) {
		return direct
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); netutil.IsIP(ip) {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); netutil.IsIP(xri) {
		return xri
	}
	return direct
}
