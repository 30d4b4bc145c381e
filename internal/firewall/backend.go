package firewall

import (
	"context"
)

// Backend names recorded in ban records.
const (
	MethodIPSet    = "ipset"
	MethodIptables = "iptables"
	MethodNginx    = "nginx"
	MethodHosts    = "hosts"
)

// Rule is one blocking entry for a subject.
type Rule struct {
	// Subject is a canonical IP or CIDR.
	Subject string `json:"subject"`
	// IPVersion is 4 or 6.
	IPVersion int `json:"ipVersion"`
	// Backend is the method that holds the rule.
	Backend string `json:"backend"`
	Applied bool   `json:"applied"`
}

// Backend mutates blocking state for IP subjects.
type Backend interface {
	Name() string
	// Available probes tooling and privileges. It returns nil when usable.
	Available(ctx context.Context) error
	Apply(ctx context.Context, r Rule) error
	Remove(ctx context.Context, r Rule) error
	Contains(ctx context.Context, r Rule) (bool, error)
}
