package firewall

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// HostsHelper invokes the privileged bulwark-hosts binary. Non-root callers go
// through "sudo -n <path>", which a single sudoers line must permit.
type HostsHelper struct {
	path   string
	runner Runner
	sys    System
}

// NewHostsHelper returns a helper client for the binary at path.
func NewHostsHelper(path string, runner Runner, sys System) *HostsHelper {
	return &HostsHelper{path: path, runner: runner, sys: sys}
}

// Path returns the configured helper path.
func (h *HostsHelper) Path() string { return h.path }

// Add inserts domain into the hosts-file blocklist section.
func (h *HostsHelper) Add(ctx context.Context, domain string) error {
	return h.run(ctx, "add", domain)
}

// Remove deletes domain from the hosts-file blocklist section.
func (h *HostsHelper) Remove(ctx context.Context, domain string) error {
	return h.run(ctx, "remove", domain)
}

func (h *HostsHelper) run(ctx context.Context, op, domain string) error {
	if h.path == "" {
		return errors.New("hosts helper not configured")
	}
	if !filepath.IsAbs(h.path) {
		return fmt.Errorf("hosts helper path %q must be absolute", h.path)
	}
	var err error
	if h.sys.Geteuid() == 0 {
		_, err = h.runner.Run(ctx, h.path, op, domain)
	} else {
		_, err = h.runner.Run(ctx, "sudo", "-n", h.path, op, domain)
	}
	if err != nil {
		return fmt.Errorf("hosts helper %s %s: %w", op, domain, err)
	}
	return nil
}
