package web

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/inercia/bulwark/internal/auth"
	"github.com/inercia/bulwark/internal/ban"
	"github.com/inercia/bulwark/internal/capture"
	"github.com/inercia/bulwark/internal/counter"
	"github.com/inercia/bulwark/internal/firewall"
	"github.com/inercia/bulwark/internal/logging"
	"github.com/inercia/bulwark/internal/metrics"
	"github.com/inercia/bulwark/internal/netutil"
	"github.com/inercia/bulwark/internal/policy"
	"github.com/inercia/bulwark/internal/ratelimit"
	"github.com/inercia/bulwark/internal/scanner"
	"github.com/inercia/bulwark/internal/storage"
)

const (
	testIssuer = "bulwark-test"
	testOwner  = "alice"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// fakeBans records calls. It also serves as the limiter's ban engine.
type fakeBans struct {
	mu       sync.Mutex
	banned   map[string]bool
	blocked  []string
	unbanned []string
	domains  []string
	owners   []string
	warnings []string
}

func newFakeBans() *fakeBans {
	return &fakeBans{banned: make(map[string]bool)}
}

func (f *fakeBans) Block(_ context.Context, owner, target, reason string) (ban.BlockResult, error) {
	if strings.TrimSpace(target) == "" {
		return ban.BlockResult{}, &firewall.ValidationError{Field: "target", Value: target, Err: errors.New("ip or domain is required")}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, target)
	f.owners = append(f.owners, owner)
	f.banned[target] = true
	return ban.BlockResult{Target: target, Warnings: f.warnings}, nil
}

func (f *fakeBans) Unban(_ context.Context, owner, subject string) (ban.UnbanResult, error) {
	if _, err := netutil.ParseSubject(subject); err != nil {
		return ban.UnbanResult{}, &firewall.ValidationError{Field: "ip", Value: subject, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbanned = append(f.unbanned, subject)
	f.owners = append(f.owners, owner)
	cleared := f.banned[subject]
	delete(f.banned, subject)
	return ban.UnbanResult{IP: subject, ClearedTemporary: cleared, Removed: []string{}}, nil
}

func (f *fakeBans) UnblockDomain(_ context.Context, owner, input string) (ban.BlockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains = append(f.domains, input)
	f.owners = append(f.owners, owner)
	return ban.BlockResult{Target: input, Domain: input}, nil
}

func (f *fakeBans) ListActive(context.Context) ([]ban.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ban.Entry, 0, len(f.banned))
	for ip := range f.banned {
		out = append(out, ban.Entry{IP: ip, Source: ban.TriggerManual})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (f *fakeBans) Check(_ context.Context, subject string) (ban.Status, error) {
	if _, err := netutil.ParseSubject(subject); err != nil {
		return ban.Status{}, &firewall.ValidationError{Field: "ip", Value: subject, Err: err}
	}
	return ban.Status{IP: subject, Banned: f.IsBanned(context.Background(), subject)}, nil
}

func (f *fakeBans) ReportLoginFailure(_ context.Context, host, source string) (ban.LoginFailure, error) {
	if host == "" {
		return ban.LoginFailure{}, &firewall.ValidationError{Field: "host", Err: errors.New("host is required")}
	}
	return ban.LoginFailure{Host: host, Source: source, Count: 1, Limit: 5, Counted: true}, nil
}

func (f *fakeBans) IsBanned(_ context.Context, subject string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[subject]
}

func (f *fakeBans) TriggerRateLimit(_ context.Context, source string, count int64) (ban.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned[source] = true
	return ban.Record{Subject: source, Source: ban.TriggerRateLimit}, nil
}

func (f *fakeBans) calls() (blocked, unbanned, domains, owners []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.blocked...),
		append([]string(nil), f.unbanned...),
		append([]string(nil), f.domains...),
		append([]string(nil), f.owners...)
}

// fakeDialer reports the addresses in open as listening.
type fakeDialer struct {
	open map[string]bool
}

func (d fakeDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	if d.open[address] {
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}
	return nil, errors.New("connection refused")
}

// fakeHandle serves frames pushed on a channel.
type fakeHandle struct {
	frames chan []byte
	closed atomic.Bool
}

func (h *fakeHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	select {
	case data, ok := <-h.frames:
		if !ok {
			return nil, gopacket.CaptureInfo{}, io.EOF
		}
		return data, gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)}, nil
	case <-time.After(5 * time.Millisecond):
		return nil, gopacket.CaptureInfo{}, capture.ErrReadTimeout
	}
}

func (h *fakeHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (h *fakeHandle) Close() { h.closed.Store(true) }

type fakeCaptureBackend struct {
	mu      sync.Mutex
	openErr error
	handles []*fakeHandle
}

func (b *fakeCaptureBackend) Devices() ([]string, error) { return []string{"eth0"}, nil }

func (b *fakeCaptureBackend) Open(string, int) (capture.Handle, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	h := &fakeHandle{frames: make(chan []byte, 16)}
	b.mu.Lock()
	b.handles = append(b.handles, h)
	b.mu.Unlock()
	return h, nil
}

func (b *fakeCaptureBackend) last() *fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.handles) == 0 {
		return nil
	}
	return b.handles[len(b.handles)-1]
}

// tcpFrame builds an Ethernet/IPv4/TCP SYN frame.
func tcpFrame(t *testing.T, src, dst string, dport uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(dport), SYN: true, Window: 1024}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// testEnv is a server wired to fakes and real policy, scanner, capture and
// metrics components.
type testEnv struct {
	server   *Server
	bans     *fakeBans
	policy   *policy.Manager
	capture  *capture.Registry
	backend  *fakeCaptureBackend
	metrics  *metrics.Registry
	limiter  *ratelimit.Limiter
	ready    error
	readyMu  sync.Mutex
	tokenFor func(subject string) string
}

type envOptions struct {
	threshold int
	accessLog string
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "bulwark.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		bans:    newFakeBans(),
		policy:  policy.NewManager(db, policy.Default()),
		backend: &fakeCaptureBackend{},
	}

	env.capture, err = capture.NewRegistry(capture.Options{Backend: env.backend, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("capture.NewRegistry: %v", err)
	}
	t.Cleanup(func() { env.capture.Close() })

	verifier, err := auth.NewHMACVerifier(testSecret, testIssuer)
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}
	env.tokenFor = func(subject string) string {
		tok, err := auth.IssueToken(testSecret, testIssuer, subject, "", time.Hour)
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		return tok
	}

	cfg := Config{
		Bans:     env.bans,
		Policy:   env.policy,
		Scanner:  scanner.New(scanner.Options{Dialer: fakeDialer{open: map[string]bool{"192.0.2.10:22": true}}, Logger: logging.Discard()}),
		Capture:  env.capture,
		Verifier: verifier,
		Ready: func(context.Context) error {
			env.readyMu.Lock()
			defer env.readyMu.Unlock()
			return env.ready
		},
		AccessLog: AccessLogConfig{Path: opts.accessLog},
		Logger:    logging.Discard(),
	}

	if opts.threshold > 0 {
		p := policy.Default()
		p.Threshold = opts.threshold
		store := counter.NewMemoryStore(time.Minute)
		t.Cleanup(func() { store.Close() })
		fixed := time.Date(2024, 1, 1, 12, 0, 1, 0, time.UTC)
		env.limiter, err = ratelimit.New(ratelimit.Options{
			Store:   store,
			Policy:  policy.Static(p),
			Bans:    env.bans,
			Logger:  logging.Discard(),
			NowFunc: func() time.Time { return fixed },
		})
		if err != nil {
			t.Fatalf("ratelimit.New: %v", err)
		}
		cfg.Limiter = env.limiter
	}

	env.metrics = metrics.NewRegistry(metrics.Sources{Capture: env.capture})
	cfg.Metrics = env.metrics.Handler()
	cfg.Scans = env.metrics.Scans

	env.server, err = NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return env
}

func (e *testEnv) setReady(err error) {
	e.readyMu.Lock()
	defer e.readyMu.Unlock()
	e.ready = err
}

// do runs a request as subject; an empty subject sends no token.
func (e *testEnv) do(t *testing.T, subject, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokenFor(subject))
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
