package web

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// EnableHSTS enables HTTP Strict Transport Security header.
	// Only enable this if you're serving over HTTPS.
	EnableHSTS bool
	// HSTSMaxAge is the max-age value for HSTS in seconds (default: 1 year).
	HSTSMaxAge int
}

// DefaultSecurityConfig returns the default security configuration.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		EnableHSTS: false,
		HSTSMaxAge: 31536000,
	}
}

// securityHeadersMiddleware adds security headers to all responses. The API
// serves JSON only, so the content security policy forbids everything.
func securityHeadersMiddleware(config SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")

			if config.EnableHSTS {
				maxAge := config.HSTSMaxAge
				if maxAge <= 0 {
					maxAge = 31536000
				}
				h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(maxAge)+"; includeSubDomains")
			}

			next.ServeHTTP(&hideServerInfoResponseWriter{ResponseWriter: w}, r)
		})
	}
}

// DefaultMaxBodyBytes bounds JSON request bodies.
const DefaultMaxBodyBytes = 1 << 20

// requestSizeLimitMiddleware limits the size of request bodies.
func requestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hideServerInfoResponseWriter strips server identification headers that
// handlers may have set.
type hideServerInfoResponseWriter struct {
	http.ResponseWriter
	headerWritten bool
}

func (w *hideServerInfoResponseWriter) WriteHeader(statusCode int) {
	if !w.headerWritten {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		w.headerWritten = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *hideServerInfoResponseWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Hijack implements http.Hijacker; the websocket upgrader requires it.
func (w *hideServerInfoResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}

func (w *hideServerInfoResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// DefaultRequestTimeout is the default timeout for HTTP requests. Scans
// can take longer and use ScanRequestTimeout.
const DefaultRequestTimeout = 30 * time.Second

// requestTimeoutMiddleware adds a timeout to HTTP requests.
// WebSocket upgrade requests are excluded from the timeout.
func requestTimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			http.TimeoutHandler(next, timeout, `{"error":"timeout","message":"request timeout"}`).ServeHTTP(w, r)
		})
	}
}
