// Package ratelimit detects abuse by volume. Each source gets a fixed-width
// window counter in the counter store; a source whose count exceeds the
// policy threshold is handed to the ban engine.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/inercia/bulwark/internal/ban"
	"github.com/inercia/bulwark/internal/counter"
	"github.com/inercia/bulwark/internal/netutil"
	"github.com/inercia/bulwark/internal/policy"
)

const (
	// KeyPrefix prefixes window counters in the counter store.
	KeyPrefix = "rl:"

	DefaultUnblockPath     = "/api/bans/unblock-self"
	DefaultAbuseReportPath = "/api/abuse/report"

	// failOpenLogInterval throttles the store-down warning.
	failOpenLogInterval = 30 * time.Second
)

// exemptPaths are never counted: realtime transport handshakes, probes and
// metrics scrapes. Entries ending in "/" match as prefixes.
var exemptPaths = []string{"/ws", "/socket.io/", "/healthz", "/readyz", "/metrics"}

// Banner is the part of the ban engine the limiter needs. *ban.Engine
// implements it.
type Banner interface {
	IsBanned(ctx context.Context, subject string) bool
	TriggerRateLimit(ctx context.Context, source string, count int64) (ban.Record, error)
}

// Options configures a Limiter.
type Options struct {
	Store  counter.Store
	Policy policy.Source
	Bans   Banner
	// UnblockPath is exempt so that a banned client can recover access.
	UnblockPath string
	// AbuseReportPath bans loopback sources too.
	AbuseReportPath string
	// ExemptRules are CEL expressions over path, method and source.
	ExemptRules []string
	Logger      *slog.Logger
	NowFunc     func() time.Time
}

// Verdict classifies a request.
type Verdict int

const (
	// Allow lets the request through.
	Allow Verdict = iota
	// Exempt lets the request through without counting it.
	Exempt
	// Breach is the request that crossed the threshold.
	Breach
	// Banned is a request from a source already banned.
	Banned
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Exempt:
		return "exempt"
	case Breach:
		return "breach"
	case Banned:
		return "banned"
	}
	return "unknown"
}

// Decision is the outcome of Check.
type Decision struct {
	Verdict Verdict
	Count   int64
	// FailOpen is set when the request was allowed because no store answered.
	FailOpen bool
	// Rule is the exemption rule that matched, if any.
	Rule string
	Ban  *ban.Record
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Verdict == Allow || d.Verdict == Exempt
}

// Stats counts decisions since start.
type Stats struct {
	Allowed  uint64 `json:"allowed"`
	Exempt   uint64 `json:"exempt"`
	Breaches uint64 `json:"breaches"`
	Rejected uint64 `json:"rejected"`
	FailOpen uint64 `json:"failOpen"`
}

// Limiter is safe for concurrent use.
type Limiter struct {
	store           counter.Store
	policy          policy.Source
	bans            Banner
	unblockPath     string
	abuseReportPath string
	logger          *slog.Logger
	nowFunc         func() time.Time

	rulesMu sync.RWMutex
	rules   ruleSet

	failOpenLog rate.Sometimes

	allowed  atomic.Uint64
	exempt   atomic.Uint64
	breaches atomic.Uint64
	rejected atomic.Uint64
	failOpen atomic.Uint64
}

// New creates a Limiter. Invalid exemption rules are an error.
func New(opts Options) (*Limiter, error) {
	if opts.Store == nil || opts.Bans == nil {
		return nil, errors.New("ratelimit: store and ban engine are required")
	}
	if opts.Policy == nil {
		opts.Policy = policy.Static(policy.Default())
	}
	if opts.UnblockPath == "" {
		opts.UnblockPath = DefaultUnblockPath
	}
	if opts.AbuseReportPath == "" {
		opts.AbuseReportPath = DefaultAbuseReportPath
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NowFunc == nil {
		opts.NowFunc = time.Now
	}
	rules, err := compileRules(opts.ExemptRules)
	if err != nil {
		return nil, err
	}
	return &Limiter{
		store:           opts.Store,
		policy:          opts.Policy,
		bans:            opts.Bans,
		unblockPath:     opts.UnblockPath,
		abuseReportPath: opts.AbuseReportPath,
		logger:          opts.Logger,
		nowFunc:         opts.NowFunc,
		rules:           rules,
		failOpenLog:     rate.Sometimes{Interval: failOpenLogInterval},
	}, nil
}

// SetExemptRules replaces the exemption rules. On error the old rules stay.
func (l *Limiter) SetExemptRules(exprs []string) error {
	rules, err := compileRules(exprs)
	if err != nil {
		return err
	}
	l.rulesMu.Lock()
	l.rules = rules
	l.rulesMu.Unlock()
	l.logger.Info("exempt_rules_updated", "count", len(rules))
	return nil
}

func (l *Limiter) isExemptPath(path string) bool {
	if path == l.unblockPath {
		return true
	}
	for _, p := range exemptPaths {
		if path == strings.TrimSuffix(p, "/") || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

// Check counts req against its source's current window and decides whether
// it may proceed. A breach bans the source through the ban engine. When no
// counter store answers, the request is allowed.
func (l *Limiter) Check(ctx context.Context, req Request) Decision {
	if l.isExemptPath(req.Path) {
		l.exempt.Add(1)
		return Decision{Verdict: Exempt}
	}

	l.rulesMu.RLock()
	rules := l.rules
	l.rulesMu.RUnlock()
	matched, err := rules.match(req)
	if err != nil {
		l.logger.Warn("exempt_rule_failed", "error", err)
	}
	if matched != "" {
		l.exempt.Add(1)
		return Decision{Verdict: Exempt, Rule: matched}
	}

	if l.bans.IsBanned(ctx, req.Source) {
		l.rejected.Add(1)
		return Decision{Verdict: Banned}
	}

	p := l.policy.Get(ctx)
	bucket := l.nowFunc().Unix() / int64(p.WindowSeconds)
	key := KeyPrefix + req.Source + ":" + strconv.FormatInt(bucket, 10)
	n, err := l.store.IncrementWithExpiry(ctx, key, p.Window()+time.Second)
	if err != nil {
		l.failOpen.Add(1)
		l.failOpenLog.Do(func() {
			l.logger.Warn("rate_limit_fail_open", "source", req.Source, "error", err)
		})
		l.allowed.Add(1)
		return Decision{Verdict: Allow, FailOpen: true}
	}

	if n <= int64(p.Threshold) {
		l.allowed.Add(1)
		return Decision{Verdict: Allow, Count: n}
	}

	if isLoopback(req.Source) && req.Path != l.abuseReportPath {
		l.allowed.Add(1)
		return Decision{Verdict: Allow, Count: n}
	}

	rec, err := l.bans.TriggerRateLimit(ctx, req.Source, n)
	if err != nil {
		// Only an unparsable source gets here; it cannot be banned.
		l.logger.Warn("rate_limit_ban_failed", "source", req.Source, "error", err)
		l.allowed.Add(1)
		return Decision{Verdict: Allow, Count: n}
	}
	l.breaches.Add(1)
	l.logger.Warn("rate_limit_breach",
		"source", req.Source,
		"path", req.Path,
		"count", n,
		"threshold", p.Threshold,
		"window_seconds", p.WindowSeconds,
	)
	return Decision{Verdict: Breach, Count: n, Ban: &rec}
}

// Stats returns decision counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Allowed:  l.allowed.Load(),
		Exempt:   l.exempt.Load(),
		Breaches: l.breaches.Load(),
		Rejected: l.rejected.Load(),
		FailOpen: l.failOpen.Load(),
	}
}

func isLoopback(source string) bool {
	sub, err := netutil.ParseSubject(source)
	return err == nil && sub.IsLoopback()
}
