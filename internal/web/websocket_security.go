package web

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSecurityConfig holds security configuration for WebSocket connections.
type WebSocketSecurityConfig struct {
	// AllowedOrigins is a list of allowed origins for WebSocket connections.
	// If empty, only same-origin requests are allowed.
	// Use "*" to allow all origins (not recommended for production).
	AllowedOrigins []string

	// MaxMessageSize is the maximum size of a client message in bytes.
	// Clients only send close frames on the capture stream.
	// Default: 4KB
	MaxMessageSize int64

	// MaxConnectionsPerIP is the maximum number of concurrent WebSocket connections per IP.
	// Default: 4
	MaxConnectionsPerIP int

	// PongWait is the time to wait for a pong response.
	// Default: 60 seconds
	PongWait time.Duration

	// PingPeriod is the interval between ping messages.
	// Should be less than PongWait.
	// Default: 54 seconds (90% of PongWait)
	PingPeriod time.Duration

	// WriteWait is the time allowed to write a message.
	// Default: 10 seconds
	WriteWait time.Duration

	// SendBuffer is the number of capture events queued per connection
	// before new events are dropped.
	// Default: 256
	SendBuffer int
}

// DefaultWebSocketSecurityConfig returns sensible defaults.
func DefaultWebSocketSecurityConfig() WebSocketSecurityConfig {
	return WebSocketSecurityConfig{
		AllowedOrigins:      nil,
		MaxMessageSize:      4 * 1024,
		MaxConnectionsPerIP: 4,
		PongWait:            60 * time.Second,
		PingPeriod:          54 * time.Second,
		WriteWait:           10 * time.Second,
		SendBuffer:          256,
	}
}

// ConnectionTracker tracks WebSocket connections per IP.
type ConnectionTracker struct {
	mu          sync.RWMutex
	connections map[string]int
	maxPerIP    int
}

// NewConnectionTracker creates a new connection tracker.
func NewConnectionTracker(maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
	}
}

// TryAdd attempts to add a connection for the given IP.
// Returns true if the connection is allowed, false if the limit is exceeded.
func (ct *ConnectionTracker) TryAdd(ip string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	current := ct.connections[ip]
	if current >= ct.maxPerIP {
		return false
	}
	ct.connections[ip] = current + 1
	return true
}

// Remove decrements the connection count for the given IP.
func (ct *ConnectionTracker) Remove(ip string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	current := ct.connections[ip]
	if current <= 1 {
		delete(ct.connections, ip)
	} else {
		ct.connections[ip] = current - 1
	}
}

// Count returns the current connection count for an IP.
func (ct *ConnectionTracker) Count(ip string) int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.connections[ip]
}

// TotalConnections returns the total number of tracked connections.
func (ct *ConnectionTracker) TotalConnections() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	total := 0
	for _, count := range ct.connections {
		total += count
	}
	return total
}

// createSecureUpgrader creates a WebSocket upgrader that enforces the origin policy.
func createSecureUpgrader(config WebSocketSecurityConfig) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     createOriginChecker(config.AllowedOrigins),
	}
}

// createOriginChecker returns a function that validates WebSocket origins.
// Requests without an Origin header come from non-browser clients, which
// cannot mount a cross-site attack, and are allowed.
func createOriginChecker(allowedOrigins []string) func(*http.Request) bool {
	allowedSet := make(map[string]bool)
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
			break
		}
		allowedSet[strings.ToLower(origin)] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}

		if len(allowedSet) > 0 {
			return allowedSet[strings.ToLower(origin)] || allowedSet[strings.ToLower(originURL.Host)]
		}
		return isSameOrigin(r, originURL)
	}
}

// isSameOrigin checks if the origin matches the request host.
// This implements a strict same-origin check where both host and port must match.
func isSameOrigin(r *http.Request, originURL *url.URL) bool {
	requestHostname, requestPort, err := net.SplitHostPort(r.Host)
	if err != nil {
		requestHostname = r.Host
		requestPort = ""
	}

	originHostname, originPort, err := net.SplitHostPort(originURL.Host)
	if err != nil {
		originHostname = originURL.Host
		originPort = ""
	}

	if !strings.EqualFold(requestHostname, originHostname) {
		return false
	}

	if originPort == "" {
		switch originURL.Scheme {
		case "https", "wss":
			originPort = "443"
		case "http", "ws":
			originPort = "80"
		}
	}

	// Behind a reverse proxy the request host often has no port.
	if requestPort == "" {
		return true
	}
	return requestPort == originPort
}

// configureWebSocketConn applies security settings to a WebSocket connection.
func configureWebSocketConn(conn *websocket.Conn, config WebSocketSecurityConfig) {
	conn.SetReadLimit(config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(config.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})
}
