package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/bulwark/internal/capture"
	"github.com/inercia/bulwark/internal/policy"
)

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestNewServer_RequiresServices(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("NewServer() without services should fail")
	}
	env := newTestEnv(t, envOptions{})
	if _, err := NewServer(Config{Bans: env.bans, Policy: env.policy}); err == nil {
		t.Error("NewServer() without a verifier should fail")
	}
}

func TestServer_AuthBoundary(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name       string
		subject    string
		method     string
		path       string
		wantStatus int
	}{
		{"health is public", "", "GET", "/healthz", http.StatusOK},
		{"readiness is public", "", "GET", "/readyz", http.StatusOK},
		{"metrics are public", "", "GET", "/metrics", http.StatusOK},
		{"bans need a token", "", "GET", "/api/bans", http.StatusUnauthorized},
		{"policy needs a token", "", "GET", "/api/policy", http.StatusUnauthorized},
		{"unblock-self needs a token", "", "POST", "/api/bans/unblock-self", http.StatusUnauthorized},
		{"bans with token", testOwner, "GET", "/api/bans", http.StatusOK},
		{"unknown api path", testOwner, "GET", "/api/nope", http.StatusNotFound},
		{"wrong method", testOwner, "PUT", "/api/policy", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.subject, tt.method, tt.path, "")
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	w := env.do(t, "", "GET", "/api/bans", "")
	if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("security headers missing on 401: %q", got)
	}
}

func TestServer_BlockAndList(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, testOwner, "POST", "/api/bans", `{"target":"203.0.113.9","reason":"scanner"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("block status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]interface{}](t, w)
	if resp["target"] != "203.0.113.9" || resp["partial"] != false {
		t.Errorf("block response = %v", resp)
	}
	_, _, _, owners := env.bans.calls()
	if len(owners) != 1 || owners[0] != testOwner {
		t.Errorf("block owner = %v, want [%s]", owners, testOwner)
	}

	w = env.do(t, testOwner, "GET", "/api/bans", "")
	list := decode[struct {
		Bans []struct {
			IP string `json:"ip"`
		} `json:"bans"`
		Count int `json:"count"`
	}](t, w)
	if list.Count != 1 || list.Bans[0].IP != "203.0.113.9" {
		t.Errorf("list = %+v", list)
	}

	w = env.do(t, testOwner, "GET", "/api/bans/203.0.113.9", "")
	if st := decode[map[string]interface{}](t, w); st["banned"] != true {
		t.Errorf("check = %v", st)
	}
}

func TestServer_BlockPartial(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.bans.warnings = []string{"ipset: command not found"}

	w := env.do(t, testOwner, "POST", "/api/bans", `{"target":"203.0.113.9"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a partial block", w.Code)
	}
	if resp := decode[map[string]interface{}](t, w); resp["partial"] != true {
		t.Errorf("partial = %v, want true", resp["partial"])
	}
}

func TestServer_BlockValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"empty target", `{"target":""}`, http.StatusBadRequest},
		{"malformed json", `{"target":`, http.StatusBadRequest},
		{"unknown field", `{"target":"1.2.3.4","ttl":5}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, testOwner, "POST", "/api/bans", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
	if blocked, _, _, _ := env.bans.calls(); len(blocked) != 0 {
		t.Errorf("invalid requests reached the engine: %v", blocked)
	}
}

func TestServer_UnbanRouting(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	for _, path := range []string{
		"/api/bans/203.0.113.9",
		"/api/bans/10.0.0.0/8",
		"/api/bans/2001:db8::1",
		"/api/bans/example.com",
	} {
		if w := env.do(t, testOwner, "DELETE", path, ""); w.Code != http.StatusOK {
			t.Errorf("DELETE %s status = %d: %s", path, w.Code, w.Body.String())
		}
	}
	if w := env.do(t, testOwner, "DELETE", "/api/bans/300.1.1.1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("malformed address status = %d, want 400", w.Code)
	}

	_, unbanned, domains, _ := env.bans.calls()
	wantUnbanned := []string{"203.0.113.9", "10.0.0.0/8", "2001:db8::1"}
	if strings.Join(unbanned, ",") != strings.Join(wantUnbanned, ",") {
		t.Errorf("unbanned = %v, want %v", unbanned, wantUnbanned)
	}
	if len(domains) != 1 || domains[0] != "example.com" {
		t.Errorf("domains = %v, want [example.com]", domains)
	}
}

func TestIsDomainTarget(t *testing.T) {
	tests := []struct {
		target string
		want   bool
	}{
		{"example.com", true},
		{"xn--bcher-kva.example", true},
		{"203.0.113.9", false},
		{"10.0.0.0/8", false},
		{"2001:db8::1", false},
		{"300.1.1.1", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			if got := isDomainTarget(tt.target); got != tt.want {
				t.Errorf("isDomainTarget(%q) = %v, want %v", tt.target, got, tt.want)
			}
		})
	}
}

func TestServer_Policy(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, testOwner, "GET", "/api/policy", "")
	if p := decode[policy.Policy](t, w); p != policy.Default() {
		t.Errorf("initial policy = %+v", p)
	}

	w = env.do(t, testOwner, "PATCH", "/api/policy", `{"threshold": 10, "banMinutes": 15}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", w.Code, w.Body.String())
	}
	p := decode[policy.Policy](t, w)
	if p.Threshold != 10 || p.BanMinutes != 15 || p.WindowSeconds != policy.Default().WindowSeconds {
		t.Errorf("patched policy = %+v", p)
	}

	w = env.do(t, testOwner, "PATCH", "/api/policy", `{"threshold": -1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative threshold status = %d, want 400", w.Code)
	}
	if resp := decode[map[string]string](t, w); resp["error"] != "invalid_policy" {
		t.Errorf("error = %q", resp["error"])
	}
	if got := env.policy.Get(context.Background()); got.Threshold != 10 {
		t.Errorf("rejected patch changed the policy: %+v", got)
	}
}

func TestServer_LoginFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, testOwner, "POST", "/api/login-failures", `{"host":"mail.example.com","source":"198.51.100.4"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if resp := decode[map[string]interface{}](t, w); resp["counted"] != true {
		t.Errorf("response = %v", resp)
	}

	w = env.do(t, testOwner, "POST", "/api/login-failures", `{"source":"198.51.100.4"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing host status = %d, want 400", w.Code)
	}
}

func TestServer_RateLimitBanAndUnblockSelf(t *testing.T) {
	env := newTestEnv(t, envOptions{threshold: 2})
	const client = "192.0.2.1" // httptest.NewRequest's RemoteAddr

	for i := 0; i < 2; i++ {
		if w := env.do(t, testOwner, "GET", "/api/abuse/report", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, w.Code)
		}
	}

	w := env.do(t, testOwner, "GET", "/api/abuse/report", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("breaching request status = %d, want 429", w.Code)
	}
	if resp := decode[map[string]interface{}](t, w); resp["banned"] != true {
		t.Errorf("429 body = %v", resp)
	}

	if w := env.do(t, testOwner, "GET", "/api/policy", ""); w.Code != http.StatusForbidden {
		t.Errorf("banned request status = %d, want 403", w.Code)
	}
	if w := env.do(t, "", "GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("health check of a banned source = %d, want 200", w.Code)
	}

	w = env.do(t, testOwner, "POST", "/api/bans/unblock-self", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unblock-self status = %d: %s", w.Code, w.Body.String())
	}
	if resp := decode[map[string]interface{}](t, w); resp["ip"] != client || resp["clearedTemporary"] != true {
		t.Errorf("unblock-self response = %v", resp)
	}
	if env.bans.IsBanned(context.Background(), client) {
		t.Error("source still banned after unblock-self")
	}

	if st := env.limiter.Stats(); st.Breaches != 1 || st.Rejected != 1 {
		t.Errorf("limiter stats = %+v", st)
	}
}

func TestServer_Scan(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, testOwner, "POST", "/api/scan", `{"hosts":["192.0.2.10"],"ports":"22,80","timeout_ms":200}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[struct {
		Results []struct {
			Host         string `json:"host"`
			OpenPorts    []int  `json:"openPorts"`
			TotalScanned int    `json:"totalScanned"`
			TotalOpen    int    `json:"totalOpen"`
		} `json:"results"`
		Partial bool `json:"partial"`
	}](t, w)
	if len(resp.Results) != 1 || resp.Partial {
		t.Fatalf("response = %+v", resp)
	}
	r := resp.Results[0]
	if r.Host != "192.0.2.10" || r.TotalScanned != 2 || r.TotalOpen != 1 || len(r.OpenPorts) != 1 || r.OpenPorts[0] != 22 {
		t.Errorf("result = %+v", r)
	}

	tests := []struct {
		name string
		body string
	}{
		{"no hosts", `{"hosts":[],"ports":"22"}`},
		{"bad port", `{"hosts":["192.0.2.10"],"ports":"0-70000"}`},
		{"too many combinations", `{"hosts":["192.0.2.10","192.0.2.11"],"ports":"1-1000"}`},
		{"negative timeout", `{"hosts":["192.0.2.10"],"ports":"22","timeout_ms":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, testOwner, "POST", "/api/scan", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}

	body := env.do(t, "", "GET", "/metrics", "").Body.String()
	for _, want := range []string{
		`bulwark_scans_total{result="ok"} 1`,
		`bulwark_scans_total{result="invalid"} 3`,
		`bulwark_scan_open_ports_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestServer_CaptureLifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	if w := env.do(t, testOwner, "GET", "/api/capture", ""); w.Code != http.StatusNotFound {
		t.Errorf("status before start = %d, want 404", w.Code)
	}

	w := env.do(t, testOwner, "POST", "/api/capture", `{"device":"eth0"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", w.Code, w.Body.String())
	}
	st := decode[capture.Status](t, w)
	if st.Owner != testOwner || st.Device != "eth0" || st.State != "capturing" {
		t.Errorf("start status = %+v", st)
	}

	// Another identity has its own session.
	if w := env.do(t, "bob", "POST", "/api/capture", ""); w.Code != http.StatusCreated {
		t.Fatalf("second owner start status = %d", w.Code)
	}

	if w := env.do(t, testOwner, "GET", "/api/capture", ""); w.Code != http.StatusOK {
		t.Errorf("status while capturing = %d", w.Code)
	}
	if w := env.do(t, testOwner, "DELETE", "/api/capture", ""); w.Code != http.StatusOK {
		t.Errorf("stop status = %d", w.Code)
	}
	if w := env.do(t, testOwner, "DELETE", "/api/capture", ""); w.Code != http.StatusNotFound {
		t.Errorf("second stop status = %d, want 404", w.Code)
	}
	if _, err := env.capture.Status("bob"); err != nil {
		t.Errorf("stopping one owner affected another: %v", err)
	}
}

func TestServer_CaptureStartErrors(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	env.backend.openErr = capture.ErrPermission
	if w := env.do(t, testOwner, "POST", "/api/capture", ""); w.Code != http.StatusForbidden {
		t.Errorf("permission error status = %d, want 403", w.Code)
	}
	env.backend.openErr = capture.ErrNoInterfaces
	if w := env.do(t, testOwner, "POST", "/api/capture", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no interfaces status = %d, want 503", w.Code)
	}
	if env.capture.Active() != 0 {
		t.Errorf("failed starts left %d sessions", env.capture.Active())
	}
}

func dialCapture(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/capture/ws?device=eth0"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func TestServer_CaptureWebSocket(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	if _, resp, err := dialCapture(t, srv, ""); err == nil {
		t.Fatal("dial without a token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without a token: resp=%v err=%v", resp, err)
	}

	conn, _, err := dialCapture(t, srv, env.tokenFor(testOwner))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if msg := readMessage(t, conn); msg.Type != WSMsgTypeCaptureStarted {
		t.Fatalf("first message = %q, want %q", msg.Type, WSMsgTypeCaptureStarted)
	}

	env.backend.last().frames <- tcpFrame(t, "198.51.100.7", "192.0.2.10", 22)

	msg := readMessage(t, conn)
	if msg.Type != WSMsgTypeCaptureEvent {
		t.Fatalf("message = %q, want %q", msg.Type, WSMsgTypeCaptureEvent)
	}
	var ev capture.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Features.SrcIP != "198.51.100.7" || ev.Features.DstPort != 22 || ev.Verdict == nil {
		t.Errorf("event = %+v", ev)
	}

	// Disconnecting stops the session and releases the device.
	conn.Close()
	handle := env.backend.last()
	waitFor(t, "session stop on disconnect", func() bool {
		_, err := env.capture.Status(testOwner)
		return errors.Is(err, capture.ErrNotFound) && handle.closed.Load()
	})
	waitFor(t, "connection slot release", func() bool {
		return env.server.connectionTracker.TotalConnections() == 0
	})
}

func TestServer_CaptureWebSocketClosedWhenSessionStops(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn, _, err := dialCapture(t, srv, env.tokenFor(testOwner))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	readMessage(t, conn)

	if w := env.do(t, testOwner, "DELETE", "/api/capture", ""); w.Code != http.StatusOK {
		t.Fatalf("stop status = %d", w.Code)
	}

	if msg := readMessage(t, conn); msg.Type != WSMsgTypeCaptureStopped {
		t.Errorf("message = %q, want %q", msg.Type, WSMsgTypeCaptureStopped)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after stop = %v, want normal closure", err)
	}
}

func TestServer_CaptureWebSocketReplacedKeepsNewSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn, _, err := dialCapture(t, srv, env.tokenFor(testOwner))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	readMessage(t, conn)

	w := env.do(t, testOwner, "POST", "/api/capture", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d", w.Code)
	}
	replacement := decode[capture.Status](t, w)
	handle := env.backend.last()

	if msg := readMessage(t, conn); msg.Type != WSMsgTypeCaptureStopped {
		t.Fatalf("message = %q, want %q", msg.Type, WSMsgTypeCaptureStopped)
	}
	conn.Close()
	waitFor(t, "connection slot release", func() bool {
		return env.server.connectionTracker.TotalConnections() == 0
	})

	st, err := env.capture.Status(testOwner)
	if err != nil || st.ID != replacement.ID {
		t.Errorf("Status() = %+v, %v; the old stream stopped its replacement", st, err)
	}
	if handle.closed.Load() {
		t.Error("replacement device handle was closed")
	}
}

func TestServer_CaptureWebSocketStartError(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.backend.openErr = capture.ErrPermission
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn, _, err := dialCapture(t, srv, env.tokenFor(testOwner))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	msg := readMessage(t, conn)
	if msg.Type != WSMsgTypeCaptureError {
		t.Fatalf("message = %q, want %q", msg.Type, WSMsgTypeCaptureError)
	}
	var body map[string]string
	json.Unmarshal(msg.Data, &body)
	if body["error"] != "capture_permission" {
		t.Errorf("error = %v", body)
	}
}

func TestServer_Readiness(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	env.setReady(errors.New("counter store degraded"))
	w := env.do(t, "", "GET", "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if resp := decode[map[string]interface{}](t, w); resp["reason"] != "counter store degraded" {
		t.Errorf("response = %v", resp)
	}

	env.setReady(nil)
	if w := env.do(t, "", "GET", "/readyz", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestServer_Shutdown(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !env.server.IsShutdown() {
		t.Error("IsShutdown() = false")
	}
	if err := env.server.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}

	if w := env.do(t, "", "GET", "/healthz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("health after shutdown = %d, want 503", w.Code)
	}
}

func TestServer_AccessLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "access.log")
	env := newTestEnv(t, envOptions{accessLog: logPath})

	env.do(t, testOwner, "POST", "/api/bans", `{"target":"203.0.113.9"}`)
	env.do(t, "", "GET", "/api/bans", "")
	env.do(t, testOwner, "GET", "/api/bans", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env.server.Shutdown(ctx)

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d access log lines, want 2:\n%s", len(lines), data)
	}
	if !strings.Contains(lines[0], "ban_change") || !strings.Contains(lines[0], "subject="+testOwner) {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "unauthorized") {
		t.Errorf("second line = %q", lines[1])
	}
}
