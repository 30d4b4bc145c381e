package firewall

import (
	"context"
	"fmt"
	"sync"
)

// maxDuplicateRules bounds the delete loop in Remove.
const maxDuplicateRules = 8

// IptablesBackend inserts one DROP rule per subject into INPUT.
type IptablesBackend struct {
	runner Runner
	sys    System

	mu   sync.Mutex
	sudo bool
}

// NewIptablesBackend creates the backend.
func NewIptablesBackend(runner Runner, sys System) *IptablesBackend {
	return &IptablesBackend{runner: runner, sys: sys}
}

func (b *IptablesBackend) Name() string { return MethodIptables }

func (b *IptablesBackend) Available(ctx context.Context) error {
	if err := b.sys.requireTools("iptables"); err != nil {
		return err
	}
	sudo, err := b.sys.needsSudo()
	if err != nil {
		return err
	}
	if _, err := privileged(ctx, b.runner, sudo, "iptables", "-S", "INPUT"); err != nil {
		return fmt.Errorf("iptables probe failed: %w", err)
	}
	b.mu.Lock()
	b.sudo = sudo
	b.mu.Unlock()
	return nil
}

func tool(version int) string {
	if version == 6 {
		return "ip6tables"
	}
	return "iptables"
}

func dropRule(op, subject string) []string {
	return []string{op, "INPUT", "-s", subject, "-j", "DROP"}
}

func (b *IptablesBackend) isSudo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sudo
}

func (b *IptablesBackend) Apply(ctx context.Context, r Rule) error {
	sudo := b.isSudo()
	ipt := tool(r.IPVersion)
	if _, err := privileged(ctx, b.runner, sudo, ipt, dropRule("-C", r.Subject)...); err == nil {
		return nil
	}
	_, err := privileged(ctx, b.runner, sudo, ipt, dropRule("-I", r.Subject)...)
	return err
}

// Remove deletes every copy of the subject's rule. A missing rule is not an error.
func (b *IptablesBackend) Remove(ctx context.Context, r Rule) error {
	sudo := b.isSudo()
	ipt := tool(r.IPVersion)
	for i := 0; i < maxDuplicateRules; i++ {
		if _, err := privileged(ctx, b.runner, sudo, ipt, dropRule("-C", r.Subject)...); err != nil {
			return nil
		}
		if _, err := privileged(ctx, b.runner, sudo, ipt, dropRule("-D", r.Subject)...); err != nil {
			return err
		}
	}
	return nil
}

func (b *IptablesBackend) Contains(ctx context.Context, r Rule) (bool, error) {
	_, err := privileged(ctx, b.runner, b.isSudo(), tool(r.IPVersion), dropRule("-C", r.Subject)...)
	return err == nil, nil
}
