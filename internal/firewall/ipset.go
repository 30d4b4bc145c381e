package firewall

import (
	"context"
	"fmt"
	"sync"
)

// IPSetBackend adds subjects to hash:net sets that a single iptables DROP
// rule per family matches against.
type IPSetBackend struct {
	runner    Runner
	sys       System
	setNameV4 string
	setNameV6 string

	mu    sync.Mutex
	sudo  bool
	ready map[int]bool
}

// NewIPSetBackend creates the backend. Empty set names default to bulwark-v4/v6.
func NewIPSetBackend(runner Runner, sys System, setNameV4, setNameV6 string) *IPSetBackend {
	if setNameV4 == "" {
		setNameV4 = "bulwark-v4"
	}
	if setNameV6 == "" {
		setNameV6 = "bulwark-v6"
	}
	return &IPSetBackend{
		runner:    runner,
		sys:       sys,
		setNameV4: setNameV4,
		setNameV6: setNameV6,
		ready:     make(map[int]bool),
	}
}

func (b *IPSetBackend) Name() string { return MethodIPSet }

func (b *IPSetBackend) Available(ctx context.Context) error {
	if err := b.sys.requireTools("ipset", "iptables"); err != nil {
		return err
	}
	sudo, err := b.sys.needsSudo()
	if err != nil {
		return err
	}
	if _, err := privileged(ctx, b.runner, sudo, "ipset", "-n", "list"); err != nil {
		return fmt.Errorf("ipset probe failed: %w", err)
	}
	b.mu.Lock()
	b.sudo = sudo
	b.mu.Unlock()
	return nil
}

func (b *IPSetBackend) setFor(version int) (name, family, iptables string) {
	if version == 6 {
		return b.setNameV6, "inet6", "ip6tables"
	}
	return b.setNameV4, "inet", "iptables"
}

// ensure creates the set and its DROP rule once per family.
func (b *IPSetBackend) ensure(ctx context.Context, version int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sudo := b.sudo
	if b.ready[version] {
		return sudo, nil
	}

	set, family, ipt := b.setFor(version)
	if _, err := privileged(ctx, b.runner, sudo, "ipset", "create", set, "hash:net", "family", family, "-exist"); err != nil {
		return sudo, fmt.Errorf("create set %s: %w", set, err)
	}
	match := []string{"INPUT", "-m", "set", "--match-set", set, "src", "-j", "DROP"}
	if _, err := privileged(ctx, b.runner, sudo, ipt, append([]string{"-C"}, match...)...); err != nil {
		if _, err := privileged(ctx, b.runner, sudo, ipt, append([]string{"-I"}, match...)...); err != nil {
			return sudo, fmt.Errorf("insert %s rule for %s: %w", ipt, set, err)
		}
	}
	b.ready[version] = true
	return sudo, nil
}

func (b *IPSetBackend) Apply(ctx context.Context, r Rule) error {
	sudo, err := b.ensure(ctx, r.IPVersion)
	if err != nil {
		return err
	}
	set, _, _ := b.setFor(r.IPVersion)
	_, err = privileged(ctx, b.runner, sudo, "ipset", "add", set, r.Subject, "-exist")
	return err
}

func (b *IPSetBackend) Remove(ctx context.Context, r Rule) error {
	b.mu.Lock()
	sudo := b.sudo
	b.mu.Unlock()
	set, _, _ := b.setFor(r.IPVersion)
	_, err := privileged(ctx, b.runner, sudo, "ipset", "del", set, r.Subject, "-exist")
	return err
}

// Contains reports membership. ipset test exits non-zero for absent entries,
// which is reported as false.
func (b *IPSetBackend) Contains(ctx context.Context, r Rule) (bool, error) {
	b.mu.Lock()
	sudo := b.sudo
	b.mu.Unlock()
	set, _, _ := b.setFor(r.IPVersion)
	if _, err := privileged(ctx, b.runner, sudo, "ipset", "test", set, r.Subject); err != nil {
		return false, nil
	}
	return true, nil
}

// invalidate forgets created sets so the next Apply re-checks them.
func (b *IPSetBackend) invalidate() {
	b.mu.Lock()
	b.ready = make(map[int]bool)
	b.mu.Unlock()
}
