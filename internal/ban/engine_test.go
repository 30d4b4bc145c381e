package ban

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inercia/bulwark/internal/firewall"
	"github.com/inercia/bulwark/internal/logging"
	"github.com/inercia/bulwark/internal/policy"
	"github.com/inercia/bulwark/internal/storage"
)

func TestBan_RecordsAndEnforces(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	rec, err := env.engine.Ban(ctx, "203.0.113.7", TriggerRateLimit, "too fast", 0)
	if err != nil {
		t.Fatalf("Ban() error = %v", err)
	}
	if rec.Subject != "203.0.113.7" || rec.Source != TriggerRateLimit {
		t.Errorf("record = %+v", rec)
	}
	if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != 5*time.Minute {
		t.Errorf("ttl = %v, want 5m", got)
	}
	if len(rec.Methods) != 1 || rec.Methods[0] != firewall.MethodIPSet {
		t.Errorf("methods = %v", rec.Methods)
	}
	if !env.engine.IsBanned(ctx, "203.0.113.7") {
		t.Error("IsBanned() = false after Ban")
	}
	if !env.enforcer.isBlocked("203.0.113.7") {
		t.Error("enforcer was not called")
	}
}

func TestBan_RefreshDoesNotReapply(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	first, _ := env.engine.Ban(ctx, "203.0.113.7", TriggerRateLimit, "", 0)
	env.clock.Advance(time.Minute)
	second, err := env.engine.Ban(ctx, "203.0.113.7", TriggerRateLimit, "", 0)
	if err != nil {
		t.Fatal(err)
	}

	if n := env.enforcer.applyCount("203.0.113.7"); n != 1 {
		t.Errorf("Apply called %d times, want 1", n)
	}
	if !second.Refreshed {
		t.Error("second Ban should report a refresh")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on refresh: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if want := first.ExpiresAt.Add(time.Minute); !second.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", second.ExpiresAt, want)
	}

	entries, err := env.engine.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("ListActive() returned %d entries, want 1", len(entries))
	}
}

func TestBan_ExpiryBoundary(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	if _, err := env.engine.Ban(ctx, "198.51.100.1", TriggerRateLimit, "", 2*time.Minute); err != nil {
		t.Fatal(err)
	}

	env.clock.Advance(2*time.Minute - time.Second)
	if !env.engine.IsBanned(ctx, "198.51.100.1") {
		t.Error("IsBanned() = false just before expiry")
	}
	env.clock.Advance(2 * time.Second)
	if env.engine.IsBanned(ctx, "198.51.100.1") {
		t.Error("IsBanned() = true just after expiry")
	}
}

func TestBan_EnforcementFailureStillBans(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	env.enforcer.failWith = "ipset: command not found"
	ctx := context.Background()

	rec, err := env.engine.Ban(ctx, "198.51.100.2", TriggerRateLimit, "", 0)
	if err != nil {
		t.Fatalf("Ban() error = %v", err)
	}
	if len(rec.Methods) != 0 {
		t.Errorf("methods = %v, want none", rec.Methods)
	}
	if len(rec.Warnings) == 0 {
		t.Error("expected a warning")
	}
	if !env.engine.IsBanned(ctx, "198.51.100.2") {
		t.Error("ban must be recorded even when enforcement fails")
	}
	if st := env.engine.Stats(ctx); st.EnforcementFailures != 1 {
		t.Errorf("EnforcementFailures = %d", st.EnforcementFailures)
	}
}

func TestBan_FirewallDisabledSkipsEnforcer(t *testing.T) {
	p := policy.Default()
	p.UseFirewall = false
	env := newTestEnv(t, p)
	ctx := context.Background()

	if _, err := env.engine.Ban(ctx, "198.51.100.3", TriggerRateLimit, "", 0); err != nil {
		t.Fatal(err)
	}
	if n := env.enforcer.applyCount("198.51.100.3"); n != 0 {
		t.Errorf("Apply called %d times with firewall disabled", n)
	}
	if !env.engine.IsBanned(ctx, "198.51.100.3") {
		t.Error("soft ban expected")
	}
}

func TestBan_InvalidSubject(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	_, err := env.engine.Ban(context.Background(), "not-an-ip", TriggerRateLimit, "", 0)
	var verr *firewall.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if len(env.enforcer.applies) != 0 {
		t.Error("enforcer must not be called for invalid input")
	}
}

func TestBan_ConcurrentTriggersApplyOnce(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.engine.Ban(ctx, "192.0.2.10", TriggerRateLimit, "", 0)
		}()
	}
	wg.Wait()

	if n := env.enforcer.applyCount("192.0.2.10"); n != 1 {
		t.Errorf("Apply called %d times, want 1", n)
	}
	if st := env.engine.Stats(ctx); st.Refreshes != 19 {
		t.Errorf("Refreshes = %d, want 19", st.Refreshes)
	}
}

func TestReportLoginFailure(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		out, err := env.engine.ReportLoginFailure(ctx, "ssh.example", "192.0.2.20")
		if err != nil {
			t.Fatal(err)
		}
		if out.Banned || out.Count != int64(i) {
			t.Fatalf("report %d = %+v", i, out)
		}
	}
	out, err := env.engine.ReportLoginFailure(ctx, "ssh.example", "192.0.2.20")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Banned || out.Ban == nil {
		t.Fatalf("6th report = %+v, want banned", out)
	}
	if got := out.Ban.ExpiresAt.Sub(out.Ban.CreatedAt); got != LoginFailureBanTTL {
		t.Errorf("ttl = %v, want %v", got, LoginFailureBanTTL)
	}
	if out.Ban.Source != TriggerLoginFailure {
		t.Errorf("source = %q", out.Ban.Source)
	}
	if !strings.Contains(out.Ban.Reason, "ssh.example") {
		t.Errorf("reason %q does not name the host", out.Ban.Reason)
	}
}

func TestReportLoginFailure_HostsAreIndependent(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = env.engine.ReportLoginFailure(ctx, "a.example", "192.0.2.21")
		_, _ = env.engine.ReportLoginFailure(ctx, "b.example", "192.0.2.21")
	}
	if env.engine.IsBanned(ctx, "192.0.2.21") {
		t.Error("failures on different hosts must not add up")
	}
}

func TestReportLoginFailure_Validation(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()
	var verr *firewall.ValidationError

	if _, err := env.engine.ReportLoginFailure(ctx, "", "192.0.2.1"); !errors.As(err, &verr) {
		t.Errorf("empty host: error = %v", err)
	}
	if _, err := env.engine.ReportLoginFailure(ctx, "h.example", "bogus"); !errors.As(err, &verr) {
		t.Errorf("bad source: error = %v", err)
	}
}

func TestBlock_DomainBlocksEveryAddress(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	env.enforcer.hostsOn = true
	env.enforcer.domains["example.com"] = []string{"192.0.2.1", "192.0.2.2", "2001:db8::1"}
	ctx := context.Background()

	res, err := env.engine.Block(ctx, "alice", "https://www.Example.com/login", "phishing")
	if err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if res.Domain != "example.com" {
		t.Errorf("domain = %q", res.Domain)
	}
	if len(res.Blocks) != 3 || len(res.Results) != 3 {
		t.Fatalf("got %d blocks and %d results, want 3", len(res.Blocks), len(res.Results))
	}
	for _, b := range res.Blocks {
		if !strings.Contains(b.Reason, "example.com") {
			t.Errorf("reason %q does not carry the domain", b.Reason)
		}
		if b.Owner != "alice" || b.Method != firewall.MethodIPSet {
			t.Errorf("block = %+v", b)
		}
	}
	if !env.enforcer.hosts["example.com"] {
		t.Error("hosts entry not added")
	}
	if !env.engine.IsBanned(ctx, "2001:db8::1") {
		t.Error("resolved address not banned")
	}
}

func TestBlock_ResolutionFailure(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	_, err := env.engine.Block(context.Background(), "alice", "missing.example", "")
	var rerr *firewall.ResolutionError
	if !errors.As(err, &rerr) || !rerr.NotFound || rerr.Host != "missing.example" {
		t.Fatalf("error = %v, want ResolutionError", err)
	}
}

func TestBlock_Validation(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	tests := []string{"", "127.0.0.1", "::1", "10.0.0.0/99", "bad,example", "exa mple.com"}
	for _, target := range tests {
		t.Run(target, func(t *testing.T) {
			_, err := env.engine.Block(context.Background(), "alice", target, "")
			var verr *firewall.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("Block(%q) error = %v, want ValidationError", target, err)
			}
		})
	}
	if len(env.enforcer.applies) != 0 {
		t.Error("enforcer must not be called for invalid input")
	}
}

func TestBlock_CIDRCoversAddresses(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	if _, err := env.engine.Block(ctx, "alice", "10.1.0.0/16", "lab"); err != nil {
		t.Fatal(err)
	}
	if !env.engine.IsBanned(ctx, "10.1.2.3") {
		t.Error("address inside blocked CIDR not banned")
	}
	if env.engine.IsBanned(ctx, "10.2.0.1") {
		t.Error("address outside blocked CIDR banned")
	}
}

func TestIsBlocked_IgnoresTemporaryBans(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	if _, err := env.engine.TriggerRateLimit(ctx, "10.0.0.7", 101); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Block(ctx, "alice", "10.0.0.8", "manual"); err != nil {
		t.Fatal(err)
	}
	if env.engine.IsBlocked(ctx, "10.0.0.7") {
		t.Error("temporary ban reported as persisted block")
	}
	if !env.engine.IsBlocked(ctx, "10.0.0.8") {
		t.Error("persisted block not reported")
	}
	if env.engine.IsBlocked(ctx, "not-an-ip") {
		t.Error("malformed subject reported blocked")
	}
}

func TestBlock_SanitisesReason(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	res, err := env.engine.Block(context.Background(), "alice", "192.0.2.30", "<script>alert(1)</script>spam\nbot")
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Blocks[0].Reason; got != "spam bot" {
		t.Errorf("reason = %q, want %q", got, "spam bot")
	}
}

func TestBlock_SurvivesRestart(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()
	if _, err := env.engine.Block(ctx, "", "192.0.2.31", "persist"); err != nil {
		t.Fatal(err)
	}

	// A reboot drops ipset and iptables state.
	env.enforcer.mu.Lock()
	delete(env.enforcer.blocked, "192.0.2.31")
	env.enforcer.mu.Unlock()

	fresh, err := New(Options{Store: env.store, Blocks: env.db, Applied: env.db, Enforcer: env.enforcer, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	if fresh.IsBanned(ctx, "192.0.2.31") {
		t.Error("index must be empty before Load")
	}
	if err := fresh.Load(ctx); err != nil {
		t.Fatal(err)
	}
	st, err := fresh.Check(ctx, "192.0.2.31")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Banned || st.Persisted == nil || st.Persisted.Owner != storage.SystemOwner {
		t.Errorf("Check() = %+v", st)
	}
	if n := env.enforcer.applyCount("192.0.2.31"); n != 2 {
		t.Errorf("Apply called %d times, want 2 (block and reload)", n)
	}
	if !env.enforcer.isBlocked("192.0.2.31") {
		t.Error("persisted block not enforced again after Load")
	}
}

func TestReconcile_AfterRestart(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	rec, err := env.engine.Ban(ctx, "203.0.113.5", TriggerRateLimit, "", 0)
	if err != nil || len(rec.Methods) == 0 {
		t.Fatalf("Ban() = %+v, %v", rec, err)
	}

	fresh, err := New(Options{
		Store:    env.store,
		Blocks:   env.db,
		Applied:  env.db,
		Enforcer: env.enforcer,
		Logger:   logging.Discard(),
		NowFunc:  env.clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fresh.Close() })
	if err := fresh.Load(ctx); err != nil {
		t.Fatal(err)
	}

	env.clock.Advance(policy.Default().BanTTL() + time.Second)
	if fresh.IsBanned(ctx, "203.0.113.5") {
		t.Fatal("ban should have expired")
	}
	got := fresh.Reconcile(ctx)
	if len(got) != 1 || got[0] != "203.0.113.5" {
		t.Fatalf("Reconcile() = %v", got)
	}
	if env.enforcer.isBlocked("203.0.113.5") {
		t.Error("rule of expired ban survived the restart")
	}
	rows, err := env.db.ListAppliedBans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("applied ban rows left = %+v", rows)
	}
}

func TestUnban_ClearsTemporaryAndPersisted(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	_, _ = env.engine.Ban(ctx, "192.0.2.40", TriggerRateLimit, "", 0)
	_, _ = env.engine.Block(ctx, "alice", "192.0.2.40", "manual")

	res, err := env.engine.Unban(ctx, "alice", "192.0.2.40")
	if err != nil {
		t.Fatal(err)
	}
	if !res.ClearedTemporary || res.DeletedBlocks != 1 || res.Partial() {
		t.Errorf("Unban() = %+v", res)
	}
	if env.engine.IsBanned(ctx, "192.0.2.40") {
		t.Error("still banned after Unban")
	}
	if env.enforcer.isBlocked("192.0.2.40") {
		t.Error("firewall rule not removed")
	}
	methods, ok := env.enforcer.removed("192.0.2.40")
	if !ok || len(methods) != 1 || methods[0] != firewall.MethodIPSet {
		t.Errorf("Remove methods = %v", methods)
	}
	rows, _ := env.db.FindBlocks(ctx, "192.0.2.40")
	if len(rows) != 0 {
		t.Errorf("%d rows left", len(rows))
	}
}

func TestUnban_NothingToRemove(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	res, err := env.engine.Unban(context.Background(), "alice", "192.0.2.41")
	if err != nil {
		t.Fatalf("Unban() error = %v", err)
	}
	if res.ClearedTemporary || res.DeletedBlocks != 0 || res.Partial() {
		t.Errorf("Unban() = %+v", res)
	}
}

func TestUnban_ClearsSystemOwnedRows(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()
	_, _ = env.engine.Block(ctx, "", "192.0.2.42", "seeded")

	res, err := env.engine.Unban(ctx, "alice", "192.0.2.42")
	if err != nil {
		t.Fatal(err)
	}
	if res.DeletedBlocks != 1 {
		t.Errorf("DeletedBlocks = %d, want 1", res.DeletedBlocks)
	}
	if env.engine.IsBanned(ctx, "192.0.2.42") {
		t.Error("system block not cleared")
	}
}

func TestUnban_KeepsOtherOwnersBlocks(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()
	_, _ = env.engine.Block(ctx, "alice", "192.0.2.43", "a")
	_, _ = env.engine.Block(ctx, "bob", "192.0.2.43", "b")

	res, err := env.engine.Unban(ctx, "alice", "192.0.2.43")
	if err != nil {
		t.Fatal(err)
	}
	if res.DeletedBlocks != 1 || !res.Partial() {
		t.Errorf("Unban() = %+v", res)
	}
	if !env.engine.IsBanned(ctx, "192.0.2.43") {
		t.Error("bob's block must remain")
	}
	if _, ok := env.enforcer.removed("192.0.2.43"); ok {
		t.Error("firewall rule removed while another owner still blocks")
	}
}

func TestUnban_ReportsRemoveFailures(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()
	_, _ = env.engine.Ban(ctx, "192.0.2.44", TriggerRateLimit, "", 0)
	env.enforcer.failWith = "iptables: exit status 1"

	res, err := env.engine.Unban(ctx, "alice", "192.0.2.44")
	if err != nil {
		t.Fatalf("Unban() error = %v", err)
	}
	if !res.Partial() {
		t.Error("expected warnings")
	}
	if env.engine.IsBanned(ctx, "192.0.2.44") {
		t.Error("ban key must be cleared despite remove failure")
	}
}

func TestUnban_RacingBan(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = env.engine.Ban(ctx, "192.0.2.45", TriggerRateLimit, "", 0)
		}()
		go func() {
			defer wg.Done()
			_, _ = env.engine.Unban(ctx, "alice", "192.0.2.45")
		}()
	}
	wg.Wait()

	// Whatever the interleaving, the ban key and the rule agree.
	if env.engine.IsBanned(ctx, "192.0.2.45") != env.enforcer.isBlocked("192.0.2.45") {
		t.Errorf("ban state %v disagrees with firewall state %v",
			env.engine.IsBanned(ctx, "192.0.2.45"), env.enforcer.isBlocked("192.0.2.45"))
	}
}

func TestUnblockDomain(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	env.enforcer.hostsOn = true
	env.enforcer.domains["example.com"] = []string{"192.0.2.1", "192.0.2.2"}
	ctx := context.Background()

	if _, err := env.engine.Block(ctx, "alice", "example.com", ""); err != nil {
		t.Fatal(err)
	}
	// The domain moved; the old addresses must still be released.
	env.enforcer.domains["example.com"] = []string{"192.0.2.3"}

	res, err := env.engine.UnblockDomain(ctx, "alice", "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 3 {
		t.Errorf("got %d results, want 3", len(res.Results))
	}
	for _, ip := range []string{"192.0.2.1", "192.0.2.2"} {
		if env.engine.IsBanned(ctx, ip) {
			t.Errorf("%s still banned", ip)
		}
	}
	if env.enforcer.hosts["example.com"] {
		t.Error("hosts entry not removed")
	}
}

func TestListActive_MergesBansAndBlocks(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	_, _ = env.engine.Block(ctx, "alice", "192.0.2.50", "manual")
	env.clock.Advance(time.Second)
	_, _ = env.engine.Ban(ctx, "192.0.2.51", TriggerRateLimit, "", time.Minute)
	_, _ = env.engine.Ban(ctx, "192.0.2.52", TriggerRateLimit, "", time.Hour)
	env.clock.Advance(2 * time.Minute)

	entries, err := env.engine.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[0].IP != "192.0.2.52" || entries[0].Persistent || entries[0].ExpiresAt == nil {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].IP != "192.0.2.50" || !entries[1].Persistent || entries[1].Owner != "alice" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}

func TestReconcile_RemovesExpiredRules(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	_, _ = env.engine.Ban(ctx, "192.0.2.60", TriggerRateLimit, "", time.Minute)
	_, _ = env.engine.Ban(ctx, "192.0.2.61", TriggerRateLimit, "", time.Hour)

	if got := env.engine.Reconcile(ctx); len(got) != 0 {
		t.Errorf("Reconcile() before expiry = %v", got)
	}

	env.clock.Advance(2 * time.Minute)
	got := env.engine.Reconcile(ctx)
	if len(got) != 1 || got[0] != "192.0.2.60" {
		t.Fatalf("Reconcile() = %v", got)
	}
	if env.enforcer.isBlocked("192.0.2.60") {
		t.Error("expired rule not removed")
	}
	if !env.enforcer.isBlocked("192.0.2.61") {
		t.Error("live rule removed")
	}
	if st := env.engine.Stats(ctx); st.Reconciled != 1 || st.ActiveBans != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestReconcile_KeepsPersistedRules(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	ctx := context.Background()

	_, _ = env.engine.Ban(ctx, "192.0.2.62", TriggerRateLimit, "", time.Minute)
	_, _ = env.engine.Block(ctx, "alice", "192.0.2.62", "keep")
	env.clock.Advance(2 * time.Minute)

	env.engine.Reconcile(ctx)
	if !env.enforcer.isBlocked("192.0.2.62") {
		t.Error("rule of a persisted block removed")
	}
}

func TestStartReconciler(t *testing.T) {
	env := newTestEnv(t, policy.Default())
	if err := env.engine.StartReconciler("not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if err := env.engine.StartReconciler(""); err != nil {
		t.Fatalf("StartReconciler() error = %v", err)
	}
	if err := env.engine.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := env.engine.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSanitizeReason(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"  spaced\tout  ", "spaced out"},
		{"<b>bold</b>", "bold"},
		{strings.Repeat("x", 300), strings.Repeat("x", maxReasonLen)},
	}
	for _, tt := range tests {
		if got := sanitizeReason(tt.in); got != tt.want {
			t.Errorf("sanitizeReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
