// Package web serves the bulwark admin API: bans, policy, login-failure
// reports, port scans and packet captures, plus health and metrics
// endpoints. Every /api route requires a bearer token and every request
// passes through the rate limiter first.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/bulwark/internal/auth"
	"github.com/inercia/bulwark/internal/ban"
	"github.com/inercia/bulwark/internal/capture"
	"github.com/inercia/bulwark/internal/firewall"
	"github.com/inercia/bulwark/internal/logging"
	"github.com/inercia/bulwark/internal/metrics"
	"github.com/inercia/bulwark/internal/policy"
	"github.com/inercia/bulwark/internal/ratelimit"
	"github.com/inercia/bulwark/internal/scanner"
)

// ScanRequestTimeout bounds POST /api/scan. A full single-host scan of
// every port needs more than DefaultRequestTimeout.
const ScanRequestTimeout = 5 * time.Minute

// BanService is the part of the ban engine the API uses. *ban.Engine
// implements it.
type BanService interface {
	Block(ctx context.Context, owner, target, reason string) (ban.BlockResult, error)
	Unban(ctx context.Context, owner, subject string) (ban.UnbanResult, error)
	UnblockDomain(ctx context.Context, owner, input string) (ban.BlockResult, error)
	ListActive(ctx context.Context) ([]ban.Entry, error)
	Check(ctx context.Context, subject string) (ban.Status, error)
	ReportLoginFailure(ctx context.Context, host, source string) (ban.LoginFailure, error)
}

// PolicyService reads and patches the runtime policy. *policy.Manager
// implements it.
type PolicyService interface {
	Get(ctx context.Context) policy.Policy
	Update(ctx context.Context, patch policy.Patch) (policy.Policy, error)
}

// ScanService runs port scans. *scanner.Scanner implements it.
type ScanService interface {
	Scan(ctx context.Context, req scanner.Request) ([]scanner.HostResult, error)
}

// CaptureService manages capture sessions. *capture.Registry implements it.
type CaptureService interface {
	Start(ctx context.Context, owner, device string, sink capture.Sink) (capture.Status, error)
	Stop(owner string) (capture.Status, error)
	StopSession(owner, id string) (capture.Status, error)
	Status(owner string) (capture.Status, error)
	Session(owner string) (*capture.Session, bool)
}

// FirewallStatus reports enforcement backend availability.
// *firewall.Enforcer implements it.
type FirewallStatus interface {
	Status(ctx context.Context) []firewall.BackendStatus
}

// RequestLimiter wraps handlers with rate limiting. *ratelimit.Limiter
// implements it.
type RequestLimiter interface {
	Middleware(source ratelimit.SourceFunc) func(http.Handler) http.Handler
}

// Config wires the server to its services. Bans, Policy and Verifier are
// required; a nil Scanner or Capture disables those routes.
type Config struct {
	Bans     BanService
	Policy   PolicyService
	Scanner  ScanService
	Capture  CaptureService
	Firewall FirewallStatus
	Verifier auth.Verifier
	Limiter  RequestLimiter

	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Scans   *metrics.Scans

	// Ready reports whether dependencies are usable; /readyz fails while it
	// returns an error.
	Ready func(ctx context.Context) error

	Proxies   *TrustedProxyChecker
	AccessLog AccessLogConfig
	Security  SecurityConfig
	WebSocket WebSocketSecurityConfig

	RequestTimeout time.Duration
	ScanTimeout    time.Duration
	MaxBodyBytes   int64

	// UnblockPath and AbuseReportPath must match the limiter's. They
	// default to the ratelimit package defaults.
	UnblockPath     string
	AbuseReportPath string

	Logger *slog.Logger
}

// Server is the admin API server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	mu         sync.Mutex
	shutdown   bool

	proxyChecker      *TrustedProxyChecker
	connectionTracker *ConnectionTracker
	wsSecurityConfig  WebSocketSecurityConfig
	upgrader          websocket.Upgrader

	// Access logger for security-relevant events (nil if disabled)
	accessLogger *AccessLogger
}

// NewServer builds the handler chain. Nothing listens until Serve.
func NewServer(config Config) (*Server, error) {
	if config.Bans == nil || config.Policy == nil {
		return nil, errors.New("web: ban and policy services are required")
	}
	if config.Verifier == nil {
		return nil, errors.New("web: an auth verifier is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Web()
	}
	if config.Proxies == nil {
		config.Proxies = NewTrustedProxyChecker(nil)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = ScanRequestTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.UnblockPath == "" {
		config.UnblockPath = ratelimit.DefaultUnblockPath
	}
	if config.AbuseReportPath == "" {
		config.AbuseReportPath = ratelimit.DefaultAbuseReportPath
	}
	if config.Security.HSTSMaxAge == 0 {
		config.Security.HSTSMaxAge = DefaultSecurityConfig().HSTSMaxAge
	}
	wsConfig := config.WebSocket
	defaults := DefaultWebSocketSecurityConfig()
	if wsConfig.MaxMessageSize <= 0 {
		wsConfig.MaxMessageSize = defaults.MaxMessageSize
	}
	if wsConfig.MaxConnectionsPerIP <= 0 {
		wsConfig.MaxConnectionsPerIP = defaults.MaxConnectionsPerIP
	}
	if wsConfig.PongWait <= 0 {
		wsConfig.PongWait = defaults.PongWait
	}
	if wsConfig.PingPeriod <= 0 || wsConfig.PingPeriod >= wsConfig.PongWait {
		wsConfig.PingPeriod = wsConfig.PongWait * 9 / 10
	}
	if wsConfig.WriteWait <= 0 {
		wsConfig.WriteWait = defaults.WriteWait
	}
	if wsConfig.SendBuffer <= 0 {
		wsConfig.SendBuffer = defaults.SendBuffer
	}

	s := &Server{
		config:            config,
		logger:            logger,
		proxyChecker:      config.Proxies,
		connectionTracker: NewConnectionTracker(wsConfig.MaxConnectionsPerIP),
		wsSecurityConfig:  wsConfig,
		accessLogger:      NewAccessLogger(config.AccessLog, config.Proxies.ClientIP),
	}
	s.upgrader = createSecureUpgrader(wsConfig)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/bans", s.handleListBans)
	api.HandleFunc("POST /api/bans", s.handleBlock)
	api.HandleFunc("GET /api/bans/{target...}", s.handleCheckBan)
	api.HandleFunc("DELETE /api/bans/{target...}", s.handleUnban)
	api.HandleFunc("POST "+config.UnblockPath, s.handleUnblockSelf)
	api.HandleFunc("GET /api/policy", s.handleGetPolicy)
	api.HandleFunc("PATCH /api/policy", s.handlePatchPolicy)
	api.HandleFunc("POST /api/login-failures", s.handleLoginFailure)
	api.HandleFunc("GET "+config.AbuseReportPath, s.handleAbuseReport)
	if config.Scanner != nil {
		api.HandleFunc("POST /api/scan", s.handleScan)
	}
	if config.Capture != nil {
		api.HandleFunc("GET /api/capture", s.handleCaptureStatus)
		api.HandleFunc("POST /api/capture", s.handleCaptureStart)
		api.HandleFunc("DELETE /api/capture", s.handleCaptureStop)
		api.HandleFunc("GET /api/capture/ws", s.handleCaptureWS)
	}

	var apiHandler http.Handler = recordIdentity(api)
	apiHandler = auth.Middleware(config.Verifier, logging.Auth())(apiHandler)
	apiHandler = requestSizeLimitMiddleware(config.MaxBodyBytes)(apiHandler)

	// Health checks stay outside auth so probes work without a token.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthCheck)
	mux.HandleFunc("GET /readyz", s.handleReadyCheck)
	if config.Metrics != nil {
		mux.Handle("GET /metrics", config.Metrics)
	}
	mux.Handle("/api/scan", requestTimeoutMiddleware(config.ScanTimeout)(apiHandler))
	mux.Handle("/api/", requestTimeoutMiddleware(config.RequestTimeout)(apiHandler))

	// Wrap with middlewares, innermost first.
	var handler http.Handler = mux

	// 1. Rate limiting sees every request, authenticated or not.
	if config.Limiter != nil {
		handler = config.Limiter.Middleware(s.proxyChecker.ClientIP)(handler)
	}

	// 2. Security headers
	handler = securityHeadersMiddleware(config.Security)(handler)

	// 3. Request logging
	handler = s.loggingMiddleware(handler)

	// 4. Access logging for security-relevant events (outermost to capture final status)
	if s.accessLogger != nil {
		handler = s.accessLogger.Middleware(handler)
	}

	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("web_server_initialized",
		"trusted_proxies", s.proxyChecker.HasTrustedProxies(),
		"scanner", config.Scanner != nil,
		"capture", config.Capture != nil,
		"access_log", config.AccessLog.Path,
	)
	return s, nil
}

// Serve accepts connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	err := s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the HTTP handler for the server.
// This is useful for testing with httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires. Hijacked websocket connections are not waited for; their capture
// sessions are stopped by the registry's own Close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	if s.accessLogger != nil {
		s.accessLogger.Close()
	}
	return err
}

// IsShutdown returns whether the server has been shut down.
func (s *Server) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// handleHealthCheck reports liveness. It is not behind authentication.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.IsShutdown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"reason": "server_shutting_down",
		})
		return
	}
	writeJSONOK(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck reports readiness and enforcement backend availability.
func (s *Server) handleReadyCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{"status": "ready"}
	if s.config.Firewall != nil {
		response["backends"] = s.config.Firewall.Status(r.Context())
	}

	status := http.StatusOK
	switch {
	case s.IsShutdown():
		status = http.StatusServiceUnavailable
		response["status"] = "not_ready"
		response["reason"] = "server_shutting_down"
	case s.config.Ready != nil:
		if err := s.config.Ready(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			response["status"] = "not_ready"
			response["reason"] = err.Error()
		}
	}
	writeJSON(w, status, response)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", s.proxyChecker.ClientIP(r),
			"user_agent", r.UserAgent(),
		)
		next.ServeHTTP(w, r)
	})
}

// identity returns the authenticated caller. Handlers only run behind the
// auth middleware, so a missing identity is a wiring error.
func identity(r *http.Request) (auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok || id.Subject == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return id, nil
}
