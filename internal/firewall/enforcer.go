// Package firewall applies and removes blocks across enforcement backends:
// ipset, direct iptables rules, an nginx deny file and the hosts file
// (through the privileged bulwark-hosts helper).
package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/inercia/bulwark/internal/keylock"
	"github.com/inercia/bulwark/internal/netutil"
	"github.com/inercia/bulwark/internal/policy"
)

// DefaultProbeRetry is how long a failed availability probe is remembered.
const DefaultProbeRetry = time.Minute

// Result describes the outcome of one enforcement call. Failures are listed
// in Warnings; they never turn into errors.
type Result struct {
	Subject string `json:"subject"`
	Applied bool   `json:"applied"`
	// Method is the primary backend that holds the block, if any.
	Method string `json:"method,omitempty"`
	// Methods lists every backend that succeeded.
	Methods  []string `json:"methods"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// BackendStatus reports the cached availability of a backend.
type BackendStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// Options configures an Enforcer.
type Options struct {
	// Backends are the primary backends in priority order.
	Backends []Backend
	// Nginx is attempted in addition to the primary when the policy enables it.
	Nginx    Backend
	Hosts    *HostsHelper
	Resolver Resolver
	Policy   policy.Source
	Logger   *slog.Logger
	// ProbeRetry overrides DefaultProbeRetry.
	ProbeRetry time.Duration
}

type probeResult struct {
	err error
	at  time.Time
}

// Enforcer routes block and unblock requests to backends. Mutations of the
// same subject are serialised.
type Enforcer struct {
	backends   []Backend
	nginx      Backend
	hosts      *HostsHelper
	resolver   Resolver
	policy     policy.Source
	logger     *slog.Logger
	probeRetry time.Duration
	nowFunc    func() time.Time

	locks *keylock.Map

	probeMu sync.Mutex
	probes  map[string]probeResult
}

// NewEnforcer creates an enforcer.
func NewEnforcer(opts Options) *Enforcer {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = policy.Static(policy.Default())
	}
	if opts.ProbeRetry <= 0 {
		opts.ProbeRetry = DefaultProbeRetry
	}
	return &Enforcer{
		backends:   opts.Backends,
		nginx:      opts.Nginx,
		hosts:      opts.Hosts,
		resolver:   opts.Resolver,
		policy:     opts.Policy,
		logger:     opts.Logger,
		probeRetry: opts.ProbeRetry,
		nowFunc:    time.Now,
		locks:      keylock.New(),
		probes:     make(map[string]probeResult),
	}
}

// available returns the cached probe result, probing when there is none or
// when a negative result is older than probeRetry.
func (e *Enforcer) available(ctx context.Context, b Backend) error {
	e.probeMu.Lock()
	p, ok := e.probes[b.Name()]
	e.probeMu.Unlock()
	if ok && (p.err == nil || e.nowFunc().Sub(p.at) < e.probeRetry) {
		return p.err
	}

	err := b.Available(ctx)
	e.probeMu.Lock()
	e.probes[b.Name()] = probeResult{err: err, at: e.nowFunc()}
	e.probeMu.Unlock()

	if err != nil {
		e.logger.Warn("backend_unavailable", "backend", b.Name(), "error", err)
	} else {
		e.logger.Info("backend_available", "backend", b.Name())
	}
	return err
}

// invalidate drops the cached probe so the next call re-probes.
func (e *Enforcer) invalidate(b Backend) {
	e.probeMu.Lock()
	delete(e.probes, b.Name())
	e.probeMu.Unlock()
	if ib, ok := b.(*IPSetBackend); ok {
		ib.invalidate()
	}
}

func (e *Enforcer) parse(subject string) (netutil.Subject, error) {
	sub, err := netutil.ParseSubject(subject)
	if err != nil {
		return netutil.Subject{}, &ValidationError{Field: "ip", Value: subject, Err: err}
	}
	return sub, nil
}

// Apply blocks subject (IP or CIDR) on the first available primary backend,
// and on nginx when enabled. Only a ValidationError is returned as error.
func (e *Enforcer) Apply(ctx context.Context, subject string) (Result, error) {
	sub, err := e.parse(subject)
	if err != nil {
		return Result{}, err
	}
	res := Result{Subject: sub.String(), Methods: []string{}}
	if sub.IsLoopback() {
		res.warnf("refusing to block loopback subject %s", res.Subject)
		return res, nil
	}

	unlock := e.locks.Lock(res.Subject)
	defer unlock()

	p := e.policy.Get(ctx)
	rule := Rule{Subject: res.Subject, IPVersion: sub.Version()}

	if p.UseFirewall {
		for _, b := range e.backends {
			if err := e.available(ctx, b); err != nil {
				res.warnf("%s unavailable: %v", b.Name(), err)
				continue
			}
			if err := b.Apply(ctx, rule); err != nil {
				res.warnf("%s apply failed: %v", b.Name(), err)
				e.invalidate(b)
				continue
			}
			res.Method = b.Name()
			res.Methods = append(res.Methods, b.Name())
			break
		}
		if len(e.backends) == 0 {
			res.warnf("no firewall backend configured")
		}
	}
	if p.UseNginxDeny && e.nginx != nil {
		if err := e.available(ctx, e.nginx); err != nil {
			res.warnf("%s unavailable: %v", e.nginx.Name(), err)
		} else if err := e.nginx.Apply(ctx, rule); err != nil {
			res.warnf("%s apply failed: %v", e.nginx.Name(), err)
			e.invalidate(e.nginx)
		} else {
			res.Methods = append(res.Methods, e.nginx.Name())
		}
	}

	res.Applied = len(res.Methods) > 0
	if res.Applied {
		e.logger.Info("subject_blocked", "subject", res.Subject, "methods", res.Methods)
	} else {
		e.logger.Warn("subject_not_enforced", "subject", res.Subject, "warnings", res.Warnings)
	}
	return res, nil
}

// Remove unblocks subject on every backend in methods plus every currently
// enabled backend. It continues past failures and reports them as warnings.
func (e *Enforcer) Remove(ctx context.Context, subject string, methods []string) (Result, error) {
	sub, err := e.parse(subject)
	if err != nil {
		return Result{}, err
	}
	res := Result{Subject: sub.String(), Methods: []string{}}

	unlock := e.locks.Lock(res.Subject)
	defer unlock()

	p := e.policy.Get(ctx)
	rule := Rule{Subject: res.Subject, IPVersion: sub.Version()}

	recorded := make(map[string]bool, len(methods))
	for _, m := range methods {
		recorded[m] = true
	}

	// Availability decides whether commands need sudo. Recorded backends
	// are checked too and stay targets when the check fails.
	var targets []Backend
	consider := func(b Backend, enabled bool) {
		if !recorded[b.Name()] && !enabled {
			return
		}
		if e.available(ctx, b) == nil || recorded[b.Name()] {
			targets = append(targets, b)
		}
	}
	for _, b := range e.backends {
		consider(b, p.UseFirewall)
	}
	if e.nginx != nil {
		consider(e.nginx, p.UseNginxDeny)
	}

	for _, b := range targets {
		if err := b.Remove(ctx, rule); err != nil {
			res.warnf("%s remove failed: %v", b.Name(), err)
			continue
		}
		res.Methods = append(res.Methods, b.Name())
	}
	res.Applied = len(res.Methods) > 0

	e.logger.Info("subject_unblocked", "subject", res.Subject, "methods", res.Methods, "warnings", len(res.Warnings))
	return res, nil
}

// ResolveDomain normalises input and resolves every A and AAAA record.
func (e *Enforcer) ResolveDomain(ctx context.Context, input string) (DomainBlock, error) {
	domain, err := NormalizeDomain(input)
	if err != nil {
		return DomainBlock{}, err
	}
	ips, err := resolveAll(ctx, e.resolver, domain)
	if err != nil {
		return DomainBlock{Domain: domain}, err
	}
	return DomainBlock{Domain: domain, ResolvedIPs: ips}, nil
}

// HostsEnabled reports whether a hosts helper is configured.
func (e *Enforcer) HostsEnabled() bool {
	return e.hosts != nil && e.hosts.Path() != ""
}

// AddHostsEntry poisons domain in the hosts file through the helper.
func (e *Enforcer) AddHostsEntry(ctx context.Context, domain string) Result {
	return e.hostsOp(ctx, domain, true)
}

// RemoveHostsEntry removes domain from the hosts file through the helper.
func (e *Enforcer) RemoveHostsEntry(ctx context.Context, domain string) Result {
	return e.hostsOp(ctx, domain, false)
}

func (e *Enforcer) hostsOp(ctx context.Context, domain string, add bool) Result {
	res := Result{Subject: domain, Methods: []string{}}
	if !e.HostsEnabled() {
		res.warnf("hosts helper not configured")
		return res
	}
	unlock := e.locks.Lock(domain)
	defer unlock()

	var err error
	if add {
		err = e.hosts.Add(ctx, domain)
	} else {
		err = e.hosts.Remove(ctx, domain)
	}
	if err != nil {
		res.warnf("%v", err)
		e.logger.Warn("hosts_helper_failed", "domain", domain, "add", add, "error", err)
		return res
	}
	res.Applied = true
	res.Method = MethodHosts
	res.Methods = append(res.Methods, MethodHosts)
	return res
}

// Status returns the cached availability of every backend, probing those
// never probed.
func (e *Enforcer) Status(ctx context.Context) []BackendStatus {
	all := append([]Backend{}, e.backends...)
	if e.nginx != nil {
		all = append(all, e.nginx)
	}
	out := make([]BackendStatus, 0, len(all))
	for _, b := range all {
		st := BackendStatus{Name: b.Name(), Available: true}
		if err := e.available(ctx, b); err != nil {
			st.Available = false
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}
