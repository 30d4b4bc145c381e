package ban

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/inercia/bulwark/internal/counter"
	"github.com/inercia/bulwark/internal/firewall"
	"github.com/inercia/bulwark/internal/logging"
	"github.com/inercia/bulwark/internal/policy"
	"github.com/inercia/bulwark/internal/storage"
)

// fakeEnforcer records calls and keeps the set of blocked subjects.
type fakeEnforcer struct {
	mu       sync.Mutex
	blocked  map[string]bool
	applies  []string
	removes  map[string][]string
	domains  map[string][]string
	hosts    map[string]bool
	hostsOn  bool
	failWith string // warning returned by Apply and Remove when set
}

func newFakeEnforcer() *fakeEnforcer {
	return &fakeEnforcer{
		blocked: map[string]bool{},
		removes: map[string][]string{},
		domains: map[string][]string{},
		hosts:   map[string]bool{},
	}
}

func (f *fakeEnforcer) Apply(_ context.Context, subject string) (firewall.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies = append(f.applies, subject)
	res := firewall.Result{Subject: subject, Methods: []string{}}
	if f.failWith != "" {
		res.Warnings = []string{f.failWith}
		return res, nil
	}
	f.blocked[subject] = true
	res.Applied = true
	res.Method = firewall.MethodIPSet
	res.Methods = []string{firewall.MethodIPSet}
	return res, nil
}

func (f *fakeEnforcer) Remove(_ context.Context, subject string, methods []string) (firewall.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes[subject] = append([]string(nil), methods...)
	res := firewall.Result{Subject: subject, Methods: []string{}}
	if f.failWith != "" {
		res.Warnings = []string{f.failWith}
		return res, nil
	}
	delete(f.blocked, subject)
	res.Applied = true
	res.Methods = []string{firewall.MethodIPSet}
	return res, nil
}

func (f *fakeEnforcer) ResolveDomain(_ context.Context, input string) (firewall.DomainBlock, error) {
	domain, err := firewall.NormalizeDomain(input)
	if err != nil {
		return firewall.DomainBlock{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ips, ok := f.domains[domain]
	if !ok {
		return firewall.DomainBlock{Domain: domain}, &firewall.ResolutionError{Host: domain, NotFound: true}
	}
	return firewall.DomainBlock{Domain: domain, ResolvedIPs: ips}, nil
}

func (f *fakeEnforcer) HostsEnabled() bool { return f.hostsOn }

func (f *fakeEnforcer) AddHostsEntry(_ context.Context, domain string) firewall.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts[domain] = true
	return firewall.Result{Subject: domain, Applied: true, Method: firewall.MethodHosts, Methods: []string{firewall.MethodHosts}}
}

func (f *fakeEnforcer) RemoveHostsEntry(_ context.Context, domain string) firewall.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hosts, domain)
	return firewall.Result{Subject: domain, Applied: true, Method: firewall.MethodHosts, Methods: []string{firewall.MethodHosts}}
}

func (f *fakeEnforcer) applyCount(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.applies {
		if s == subject {
			n++
		}
	}
	return n
}

func (f *fakeEnforcer) isBlocked(subject string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[subject]
}

func (f *fakeEnforcer) removed(subject string) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.removes[subject]
	return m, ok
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine   *Engine
	enforcer *fakeEnforcer
	store    *counter.MemoryStore
	db       *storage.DB
	clock    *clock
}

func newTestEnv(t *testing.T, p policy.Policy) *testEnv {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "bulwark.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := counter.NewMemoryStore(time.Minute)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		enforcer: newFakeEnforcer(),
		store:    store,
		db:       db,
		clock:    newClock(),
	}
	env.engine, err = New(Options{
		Store:    store,
		Blocks:   db,
		Applied:  db,
		Enforcer: env.enforcer,
		Policy:   policy.Static(p),
		Logger:   logging.Discard(),
		NowFunc:  env.clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { env.engine.Close() })
	return env
}
