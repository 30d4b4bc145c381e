// Package ban turns triggers into bans. Rate-limit and login-failure
// breaches become temporary bans stored under a TTL'd counter-store key;
// administrative blocks become persisted rows. Both are enforced through
// the firewall Enforcer, whose failures are recorded as warnings and never
// abort a ban.
package ban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/inercia/bulwark/internal/counter"
	"github.com/inercia/bulwark/internal/firewall"
	"github.com/inercia/bulwark/internal/geoip"
	"github.com/inercia/bulwark/internal/keylock"
	"github.com/inercia/bulwark/internal/logging"
	"github.com/inercia/bulwark/internal/netutil"
	"github.com/inercia/bulwark/internal/policy"
	"github.com/inercia/bulwark/internal/storage"
)

// Enforcer applies and removes physical blocks. *firewall.Enforcer
// implements it.
type Enforcer interface {
	Apply(ctx context.Context, subject string) (firewall.Result, error)
	Remove(ctx context.Context, subject string, methods []string) (firewall.Result, error)
	ResolveDomain(ctx context.Context, input string) (firewall.DomainBlock, error)
	HostsEnabled() bool
	AddHostsEntry(ctx context.Context, domain string) firewall.Result
	RemoveHostsEntry(ctx context.Context, domain string) firewall.Result
}

// Options configures an Engine.
type Options struct {
	Store    counter.Store
	Blocks   storage.BlockStore
	// Applied persists which temporary bans hold firewall rules. Without
	// it the tracking only lives in memory and is lost on restart.
	Applied  storage.AppliedBanStore
	Enforcer Enforcer
	Policy   policy.Source
	Geo      geoip.Lookup
	Logger   *slog.Logger
	NowFunc  func() time.Time
}

// Stats summarises engine activity.
type Stats struct {
	ActiveBans          int                `json:"activeBans"`
	PersistedBlocks     int                `json:"persistedBlocks"`
	Triggers            map[Trigger]uint64 `json:"triggers"`
	Refreshes           uint64             `json:"refreshes"`
	EnforcementFailures uint64             `json:"enforcementFailures"`
	Reconciled          uint64             `json:"reconciled"`
}

// Engine is the ban state machine. It is safe for concurrent use.
type Engine struct {
	store    counter.Store
	blocks   storage.BlockStore
	rules    storage.AppliedBanStore
	enforcer Enforcer
	policy   policy.Source
	geo      geoip.Lookup
	logger   *slog.Logger
	nowFunc  func() time.Time

	locks *keylock.Map
	index *blockIndex

	// applied tracks temporary bans that hold physical rules, so the
	// reconciler can remove them once the ban key has expired. It mirrors
	// the rules store.
	appliedMu sync.Mutex
	applied   map[string][]string

	triggerRateLimit    atomic.Uint64
	triggerLoginFailure atomic.Uint64
	triggerManual       atomic.Uint64
	refreshes           atomic.Uint64
	enforceFailures     atomic.Uint64
	reconciled          atomic.Uint64

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates an Engine. Store, Blocks and Enforcer are required.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Blocks == nil || opts.Enforcer == nil {
		return nil, errors.New("ban: store, block store and enforcer are required")
	}
	if opts.Policy == nil {
		opts.Policy = policy.Static(policy.Default())
	}
	if opts.Geo == nil {
		opts.Geo = geoip.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NowFunc == nil {
		opts.NowFunc = time.Now
	}
	return &Engine{
		store:    opts.Store,
		blocks:   opts.Blocks,
		rules:    opts.Applied,
		enforcer: opts.Enforcer,
		policy:   opts.Policy,
		geo:      opts.Geo,
		logger:   opts.Logger,
		nowFunc:  opts.NowFunc,
		locks:    keylock.New(),
		index:    newBlockIndex(),
		applied:  make(map[string][]string),
	}, nil
}

// Load restores state at start. Persisted blocks are indexed and enforced
// again, since ipset and iptables state does not survive a reboot. Temporary
// bans holding rules are tracked again so the reconciler removes their rules
// after expiry.
func (e *Engine) Load(ctx context.Context) error {
	blocks, err := e.blocks.ListBlocks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted blocks: %w", err)
	}
	e.index.load(blocks)

	seen := make(map[string]bool, len(blocks))
	failed := 0
	for _, b := range blocks {
		if seen[b.IP] {
			continue
		}
		seen[b.IP] = true
		if !e.reapply(ctx, b.IP) {
			failed++
		}
	}

	tracked := 0
	if e.rules != nil {
		rows, err := e.rules.ListAppliedBans(ctx)
		if err != nil {
			return fmt.Errorf("failed to load applied bans: %w", err)
		}
		e.appliedMu.Lock()
		for _, r := range rows {
			e.applied[r.IP] = splitMethods(r.Methods)
		}
		e.appliedMu.Unlock()
		tracked = len(rows)
	}

	e.logger.Info("blocks_loaded",
		"count", len(blocks),
		"subjects", len(seen),
		"reapply_failed", failed,
		"tracked_bans", tracked,
	)
	return nil
}

// reapply enforces a persisted subject again and reports whether it went
// through without warnings.
func (e *Engine) reapply(ctx context.Context, subject string) bool {
	unlock := e.locks.Lock(subject)
	defer unlock()

	res, err := e.enforcer.Apply(ctx, subject)
	if err != nil || len(res.Warnings) > 0 {
		e.logger.Warn("block_reapply_failed", "ip", subject, "error", err, "warnings", res.Warnings)
		return false
	}
	return true
}

func parseSubject(field, s string) (netutil.Subject, error) {
	sub, err := netutil.ParseSubject(s)
	if err != nil {
		return netutil.Subject{}, &firewall.ValidationError{Field: field, Value: s, Err: err}
	}
	return sub, nil
}

// TriggerRateLimit bans source after a rate-limit breach.
func (e *Engine) TriggerRateLimit(ctx context.Context, source string, count int64) (Record, error) {
	p := e.policy.Get(ctx)
	reason := fmt.Sprintf("rate limit exceeded: %d requests in %ds", count, p.WindowSeconds)
	return e.Ban(ctx, source, TriggerRateLimit, reason, 0)
}

// LoginFailure is the outcome of ReportLoginFailure.
type LoginFailure struct {
	Host    string  `json:"host"`
	Source  string  `json:"source"`
	Count   int64   `json:"count"`
	Limit   int     `json:"limit"`
	Banned  bool    `json:"banned"`
	Ban     *Record `json:"ban,omitempty"`
	Counted bool    `json:"counted"`
}

// ReportLoginFailure counts a failed login of source against host. When the
// count within the current window exceeds maxLoginRetries, source is banned
// for LoginFailureBanTTL. A store outage is logged and the report dropped.
func (e *Engine) ReportLoginFailure(ctx context.Context, host, source string) (LoginFailure, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" || strings.ContainsAny(host, " \t\r\n:") {
		return LoginFailure{}, &firewall.ValidationError{Field: "host", Value: host, Err: errors.New("host is required")}
	}
	sub, err := parseSubject("source", source)
	if err != nil {
		return LoginFailure{}, err
	}
	source = sub.String()

	p := e.policy.Get(ctx)
	out := LoginFailure{Host: host, Source: source, Limit: p.MaxLoginRetries}

	bucket := e.nowFunc().Unix() / int64(p.WindowSeconds)
	key := LoginFailureKeyPrefix + host + ":" + source + ":" + strconv.FormatInt(bucket, 10)
	n, err := e.store.IncrementWithExpiry(ctx, key, p.Window()+time.Second)
	if err != nil {
		e.logger.Warn("login_failure_not_counted", "host", host, "source", source, "error", err)
		return out, nil
	}
	out.Count = n
	out.Counted = true

	if n > int64(p.MaxLoginRetries) {
		reason := fmt.Sprintf("too many failed logins on %s: %d in %ds", host, n, p.WindowSeconds)
		rec, err := e.Ban(ctx, source, TriggerLoginFailure, reason, LoginFailureBanTTL)
		if err != nil {
			return out, err
		}
		out.Banned = true
		out.Ban = &rec
	}
	return out, nil
}

// Ban creates or refreshes the temporary ban of subject. A ttl of zero uses
// the policy ban duration. Refreshing an active ban extends its TTL without
// enforcing it again. Only a ValidationError is returned as error.
func (e *Engine) Ban(ctx context.Context, subject string, trigger Trigger, reason string, ttl time.Duration) (Record, error) {
	sub, err := parseSubject("ip", subject)
	if err != nil {
		return Record{}, err
	}
	subject = sub.String()
	reason = sanitizeReason(reason)
	logger := logging.WithSubject(e.logger, subject)

	unlock := e.locks.Lock(subject)
	defer unlock()

	p := e.policy.Get(ctx)
	if ttl <= 0 {
		ttl = p.BanTTL()
	}
	now := e.nowFunc()
	e.countTrigger(trigger)

	if rec, ok := e.activeRecord(ctx, subject, now); ok {
		rec.ExpiresAt = now.Add(ttl)
		if reason != "" {
			rec.Reason = reason
		}
		if err := e.saveRecord(ctx, rec, ttl); err != nil {
			rec.Warnings = append(rec.Warnings, fmt.Sprintf("ban not stored: %v", err))
		}
		rec.Refreshed = true
		e.refreshes.Add(1)
		logger.Info("ban_refreshed", "trigger", trigger, "expires_at", rec.ExpiresAt)
		return rec, nil
	}

	rec := Record{
		Subject:   subject,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Methods:   []string{},
		Source:    trigger,
		Country:   e.geo.Country(subject),
	}

	if p.UseFirewall || p.UseNginxDeny {
		res, err := e.enforcer.Apply(ctx, subject)
		if err != nil {
			rec.Warnings = append(rec.Warnings, err.Error())
		} else {
			rec.Methods = res.Methods
			rec.Warnings = append(rec.Warnings, res.Warnings...)
		}
		if len(rec.Methods) == 0 {
			e.enforceFailures.Add(1)
		}
	}

	if err := e.saveRecord(ctx, rec, ttl); err != nil {
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("ban not stored: %v", err))
	}
	if len(rec.Methods) > 0 {
		e.track(ctx, subject, rec.Methods)
	}

	logger.Warn("ip_banned",
		"trigger", trigger,
		"reason", rec.Reason,
		"ttl", ttl,
		"methods", rec.Methods,
		"country", rec.Country,
		"warnings", len(rec.Warnings),
	)
	return rec, nil
}

func (e *Engine) countTrigger(t Trigger) {
	switch t {
	case TriggerRateLimit:
		e.triggerRateLimit.Add(1)
	case TriggerLoginFailure:
		e.triggerLoginFailure.Add(1)
	case TriggerManual:
		e.triggerManual.Add(1)
	}
}

func (e *Engine) saveRecord(ctx context.Context, rec Record, ttl time.Duration) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := e.store.SetWithTTL(ctx, banKey(rec.Subject), data, ttl); err != nil {
		e.logger.Error("ban_store_failed", "ip", rec.Subject, "error", err)
		return err
	}
	return nil
}

// activeRecord returns the stored ban of subject if it has not expired.
func (e *Engine) activeRecord(ctx context.Context, subject string, now time.Time) (Record, bool) {
	data, err := e.store.Get(ctx, banKey(subject))
	if err != nil {
		if !errors.Is(err, counter.ErrNotFound) {
			e.logger.Warn("ban_lookup_failed", "ip", subject, "error", err)
		}
		return Record{}, false
	}
	rec, err := decodeRecord(data)
	if err != nil {
		e.logger.Warn("ban_record_corrupt", "ip", subject, "error", err)
		return Record{}, false
	}
	if !rec.Active(now) {
		return Record{}, false
	}
	return rec, true
}

// IsBanned reports whether subject has an active temporary ban or is
// covered by a persisted block. Malformed subjects are never banned.
func (e *Engine) IsBanned(ctx context.Context, subject string) bool {
	st, err := e.Check(ctx, subject)
	return err == nil && st.Banned
}

// IsBlocked reports whether subject is covered by a persisted block.
// Temporary bans are ignored, so a rate-limited source can still reach the
// self-unblock path.
func (e *Engine) IsBlocked(_ context.Context, subject string) bool {
	sub, err := netutil.ParseSubject(subject)
	if err != nil {
		return false
	}
	_, ok := e.index.lookup(sub)
	return ok
}

// Status is the ban state of one subject.
type Status struct {
	IP        string         `json:"ip"`
	Banned    bool           `json:"banned"`
	Temporary *Record        `json:"temporary,omitempty"`
	Persisted *storage.Block `json:"persisted,omitempty"`
}

// Check returns the ban state of subject. The temporary ban key is checked
// first, then the persisted blocks.
func (e *Engine) Check(ctx context.Context, subject string) (Status, error) {
	sub, err := parseSubject("ip", subject)
	if err != nil {
		return Status{}, err
	}
	st := Status{IP: sub.String()}
	if rec, ok := e.activeRecord(ctx, st.IP, e.nowFunc()); ok {
		st.Banned = true
		st.Temporary = &rec
	}
	if b, ok := e.index.lookup(sub); ok {
		st.Banned = true
		st.Persisted = &b
	}
	return st, nil
}

// BlockResult is the outcome of an administrative block.
type BlockResult struct {
	Target   string            `json:"target"`
	Domain   string            `json:"domain,omitempty"`
	Blocks   []storage.Block   `json:"blocks"`
	Results  []firewall.Result `json:"results"`
	Hosts    *firewall.Result  `json:"hosts,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Partial reports whether any part of the block could not be enforced or stored.
func (r BlockResult) Partial() bool {
	return len(r.Warnings) > 0
}

// Block persists and enforces an administrative block of an IP, CIDR or
// domain on behalf of owner. A domain is resolved to every A and AAAA record
// and each address is blocked with the domain in its reason; the domain is
// also added to the hosts file when a helper is configured. Validation and
// resolution failures are returned before any side effect.
func (e *Engine) Block(ctx context.Context, owner, target, reason string) (BlockResult, error) {
	target = strings.TrimSpace(target)
	if owner == "" {
		owner = storage.SystemOwner
	}
	reason = sanitizeReason(reason)
	res := BlockResult{Target: target, Blocks: []storage.Block{}, Results: []firewall.Result{}}
	e.countTrigger(TriggerManual)

	if target == "" {
		return res, &firewall.ValidationError{Field: "target", Value: target, Err: errors.New("ip or domain is required")}
	}

	type item struct{ subject, reason string }
	var items []item

	if sub, err := netutil.ParseSubject(target); err == nil {
		if sub.IsLoopback() {
			return res, &firewall.ValidationError{Field: "ip", Value: target, Err: errors.New("refusing to block loopback")}
		}
		items = append(items, item{sub.String(), reason})
	} else if before, _, ok := strings.Cut(target, "/"); ok && netutil.IsIP(before) {
		return res, &firewall.ValidationError{Field: "ip", Value: target, Err: err}
	} else {
		db, err := e.enforcer.ResolveDomain(ctx, target)
		if err != nil {
			return res, err
		}
		res.Domain = db.Domain
		for _, ip := range db.ResolvedIPs {
			items = append(items, item{ip, domainReason(db.Domain, reason)})
		}
	}

	for _, it := range items {
		sub, _ := netutil.ParseSubject(it.subject)
		if sub.IsLoopback() {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: skipped loopback address", it.subject))
			continue
		}
		b, fr := e.blockOne(ctx, owner, it.subject, it.reason)
		res.Results = append(res.Results, fr)
		for _, w := range fr.Warnings {
			res.Warnings = append(res.Warnings, it.subject+": "+w)
		}
		if b != nil {
			res.Blocks = append(res.Blocks, *b)
		}
	}

	if res.Domain != "" && e.enforcer.HostsEnabled() {
		hr := e.enforcer.AddHostsEntry(ctx, res.Domain)
		res.Hosts = &hr
		for _, w := range hr.Warnings {
			res.Warnings = append(res.Warnings, "hosts: "+w)
		}
	}

	e.logger.Warn("target_blocked",
		"target", target,
		"domain", res.Domain,
		"owner", owner,
		"blocks", len(res.Blocks),
		"warnings", len(res.Warnings),
	)
	return res, nil
}

// blockOne enforces and persists a single subject. The returned block is
// nil when it could not be stored; the failure is a warning in the result.
func (e *Engine) blockOne(ctx context.Context, owner, subject, reason string) (*storage.Block, firewall.Result) {
	unlock := e.locks.Lock(subject)
	defer unlock()

	fr, err := e.enforcer.Apply(ctx, subject)
	if err != nil {
		fr = firewall.Result{Subject: subject, Methods: []string{}, Warnings: []string{err.Error()}}
	}
	if !fr.Applied && len(fr.Warnings) > 0 {
		e.enforceFailures.Add(1)
	}

	b := storage.Block{
		Owner:     owner,
		IP:        subject,
		Reason:    reason,
		BlockedAt: e.nowFunc().UTC(),
		Method:    joinMethods(fr.Methods),
	}
	if err := e.blocks.SaveBlock(ctx, b); err != nil {
		e.logger.Error("block_save_failed", "ip", subject, "owner", owner, "error", err)
		fr.Warnings = append(fr.Warnings, fmt.Sprintf("block not persisted: %v", err))
		return nil, fr
	}
	e.index.add(b)
	return &b, fr
}

// UnbanResult is the outcome of Unban.
type UnbanResult struct {
	IP               string   `json:"ip"`
	ClearedTemporary bool     `json:"clearedTemporary"`
	DeletedBlocks    int      `json:"deletedBlocks"`
	Removed          []string `json:"removed"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Partial reports whether any step failed.
func (r UnbanResult) Partial() bool {
	return len(r.Warnings) > 0
}

// Unban clears the temporary ban of subject, deletes the persisted blocks of
// owner and of storage.SystemOwner, and removes the physical rules from every
// recorded and enabled backend. Blocks held by other owners are kept, and so
// are the rules enforcing them. Failures are reported as warnings.
func (e *Engine) Unban(ctx context.Context, owner, subject string) (UnbanResult, error) {
	sub, err := parseSubject("ip", subject)
	if err != nil {
		return UnbanResult{}, err
	}
	subject = sub.String()
	if owner == "" {
		owner = storage.SystemOwner
	}
	res := UnbanResult{IP: subject, Removed: []string{}}

	unlock := e.locks.Lock(subject)
	defer unlock()

	methods := map[string]bool{}
	if rec, ok := e.activeRecord(ctx, subject, e.nowFunc()); ok {
		res.ClearedTemporary = true
		for _, m := range rec.Methods {
			methods[m] = true
		}
	}
	if err := e.store.Delete(ctx, banKey(subject)); err != nil && !errors.Is(err, counter.ErrNotFound) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("temporary ban not cleared: %v", err))
	}
	for _, m := range e.untrack(ctx, subject) {
		methods[m] = true
	}

	rows, err := e.blocks.FindBlocks(ctx, subject)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("persisted blocks not read: %v", err))
	}
	remaining := 0
	for _, b := range rows {
		if b.Owner != owner && b.Owner != storage.SystemOwner {
			remaining++
			continue
		}
		if err := e.blocks.DeleteBlock(ctx, b.Owner, b.IP); err != nil && !errors.Is(err, storage.ErrNotFound) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("block of %s not deleted: %v", b.Owner, err))
			remaining++
			continue
		}
		e.index.remove(b.Owner, b.IP)
		res.DeletedBlocks++
		for _, m := range splitMethods(b.Method) {
			methods[m] = true
		}
	}

	if remaining > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("still blocked by %d other owner(s); firewall rules kept", remaining))
	} else {
		list := make([]string, 0, len(methods))
		for m := range methods {
			list = append(list, m)
		}
		sort.Strings(list)
		fr, err := e.enforcer.Remove(ctx, subject, list)
		if err != nil {
			res.Warnings = append(res.Warnings, err.Error())
		} else {
			res.Removed = fr.Methods
			res.Warnings = append(res.Warnings, fr.Warnings...)
		}
	}

	e.logger.Info("ip_unbanned",
		"ip", subject,
		"owner", owner,
		"cleared_temporary", res.ClearedTemporary,
		"deleted_blocks", res.DeletedBlocks,
		"removed", res.Removed,
		"warnings", len(res.Warnings),
	)
	return res, nil
}

// UnblockDomain unbans every address blocked on behalf of domain, plus the
// addresses it currently resolves to, and removes its hosts file entry.
func (e *Engine) UnblockDomain(ctx context.Context, owner, input string) (BlockResult, error) {
	domain, err := firewall.NormalizeDomain(input)
	if err != nil {
		return BlockResult{}, err
	}
	res := BlockResult{Target: input, Domain: domain, Blocks: []storage.Block{}, Results: []firewall.Result{}}

	subjects := map[string]bool{}
	rows, err := e.blocks.ListBlocks(ctx)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("persisted blocks not read: %v", err))
	}
	prefix := domainReason(domain, "")
	for _, b := range rows {
		if b.Reason == prefix || strings.HasPrefix(b.Reason, prefix+":") {
			subjects[b.IP] = true
		}
	}
	if db, err := e.enforcer.ResolveDomain(ctx, domain); err == nil {
		for _, ip := range db.ResolvedIPs {
			subjects[ip] = true
		}
	}

	list := make([]string, 0, len(subjects))
	for s := range subjects {
		list = append(list, s)
	}
	sort.Strings(list)
	for _, s := range list {
		ur, err := e.Unban(ctx, owner, s)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", s, err))
			continue
		}
		res.Results = append(res.Results, firewall.Result{Subject: s, Applied: len(ur.Removed) > 0, Methods: ur.Removed, Warnings: ur.Warnings})
		for _, w := range ur.Warnings {
			res.Warnings = append(res.Warnings, s+": "+w)
		}
	}

	if e.enforcer.HostsEnabled() {
		hr := e.enforcer.RemoveHostsEntry(ctx, domain)
		res.Hosts = &hr
		for _, w := range hr.Warnings {
			res.Warnings = append(res.Warnings, "hosts: "+w)
		}
	}
	return res, nil
}

// ListActive merges live temporary bans with every persisted block, newest
// first. An unavailable counter store only hides temporary bans.
func (e *Engine) ListActive(ctx context.Context) ([]Entry, error) {
	blocks, err := e.blocks.ListBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	out := make([]Entry, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, Entry{
			IP:         b.IP,
			Reason:     b.Reason,
			BlockedAt:  b.BlockedAt,
			Method:     b.Method,
			Methods:    splitMethods(b.Method),
			Source:     TriggerManual,
			Owner:      b.Owner,
			Persistent: true,
		})
	}

	for _, rec := range e.temporaryBans(ctx) {
		exp := rec.ExpiresAt
		out = append(out, Entry{
			IP:        rec.Subject,
			Reason:    rec.Reason,
			BlockedAt: rec.CreatedAt,
			ExpiresAt: &exp,
			Methods:   rec.Methods,
			Source:    rec.Source,
			Country:   rec.Country,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BlockedAt.After(out[j].BlockedAt)
	})
	return out, nil
}

// temporaryBans returns every live ban record.
func (e *Engine) temporaryBans(ctx context.Context) []Record {
	keys, err := e.store.Keys(ctx, KeyPrefix)
	if err != nil {
		e.logger.Warn("ban_keys_unavailable", "error", err)
		return nil
	}
	now := e.nowFunc()
	var out []Record
	for _, k := range keys {
		if rec, ok := e.activeRecord(ctx, strings.TrimPrefix(k, KeyPrefix), now); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Stats returns activity counters and the current number of bans.
func (e *Engine) Stats(ctx context.Context) Stats {
	return Stats{
		ActiveBans:      len(e.temporaryBans(ctx)),
		PersistedBlocks: e.index.count(),
		Triggers: map[Trigger]uint64{
			TriggerRateLimit:    e.triggerRateLimit.Load(),
			TriggerLoginFailure: e.triggerLoginFailure.Load(),
			TriggerManual:       e.triggerManual.Load(),
		},
		Refreshes:           e.refreshes.Load(),
		EnforcementFailures: e.enforceFailures.Load(),
		Reconciled:          e.reconciled.Load(),
	}
}

// track and untrack run under the subject lock.
func (e *Engine) track(ctx context.Context, subject string, methods []string) {
	e.appliedMu.Lock()
	e.applied[subject] = append([]string(nil), methods...)
	e.appliedMu.Unlock()

	if e.rules == nil {
		return
	}
	if err := e.rules.SaveAppliedBan(ctx, storage.AppliedBan{IP: subject, Methods: joinMethods(methods)}); err != nil {
		e.logger.Warn("applied_ban_not_saved", "ip", subject, "error", err)
	}
}

func (e *Engine) untrack(ctx context.Context, subject string) []string {
	e.appliedMu.Lock()
	m, ok := e.applied[subject]
	delete(e.applied, subject)
	e.appliedMu.Unlock()

	if ok && e.rules != nil {
		if err := e.rules.DeleteAppliedBan(ctx, subject); err != nil {
			e.logger.Warn("applied_ban_not_deleted", "ip", subject, "error", err)
		}
	}
	return m
}
