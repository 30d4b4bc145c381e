package web

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/inercia/bulwark/internal/auth"
)

// AccessLogConfig holds configuration for access logging.
type AccessLogConfig struct {
	// Path is the file path for the access log.
	// Empty string disables access logging.
	Path string

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	// Default: 10MB
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 1
	MaxBackups int
}

// DefaultAccessLogConfig returns the default access log configuration.
func DefaultAccessLogConfig() AccessLogConfig {
	return AccessLogConfig{
		MaxSizeMB:  10,
		MaxBackups: 1,
	}
}

// AccessLogger writes security-relevant requests (authentication failures,
// rate-limit rejections and every mutation of bans, policy, scans and
// captures) to a rotated file.
type AccessLogger struct {
	writer   io.WriteCloser
	mu       sync.Mutex
	clientIP func(*http.Request) string
}

// NewAccessLogger creates a new access logger that writes to the specified file.
// If path is empty, returns nil (access logging disabled).
func NewAccessLogger(config AccessLogConfig, clientIP func(*http.Request) string) *AccessLogger {
	if config.Path == "" {
		return nil
	}

	maxSize := config.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := config.MaxBackups
	if maxBackups < 0 {
		maxBackups = 1
	}
	if clientIP == nil {
		clientIP = func(r *http.Request) string { return r.RemoteAddr }
	}

	return &AccessLogger{
		writer: &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		},
		clientIP: clientIP,
	}
}

// Close closes the access logger.
func (a *AccessLogger) Close() error {
	if a == nil || a.writer == nil {
		return nil
	}
	return a.writer.Close()
}

// LogEntry represents a single access log entry.
type LogEntry struct {
	Timestamp    time.Time
	ClientIP     string
	Method       string
	Path         string
	StatusCode   int
	BytesWritten int64
	Duration     time.Duration
	UserAgent    string

	EventType    string
	Subject      string
	ErrorMessage string
}

// Write writes a log entry to the access log file.
// Format: timestamp client_ip "method path" status bytes duration_ms "user-agent" event [subject] [error]
func (a *AccessLogger) Write(entry LogEntry) {
	if a == nil || a.writer == nil {
		return
	}

	line := fmt.Sprintf("%s %s \"%s %s\" %d %d %dms \"%s\" %s",
		entry.Timestamp.Format(time.RFC3339),
		entry.ClientIP,
		entry.Method,
		entry.Path,
		entry.StatusCode,
		entry.BytesWritten,
		entry.Duration.Milliseconds(),
		escapeQuotes(entry.UserAgent),
		entry.EventType,
	)
	if entry.Subject != "" {
		line += fmt.Sprintf(" subject=%s", entry.Subject)
	}
	if entry.ErrorMessage != "" {
		line += fmt.Sprintf(" error=\"%s\"", escapeQuotes(entry.ErrorMessage))
	}
	line += "\n"

	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.writer.Write([]byte(line))
}

// escapeQuotes escapes quotes in a string for log safety.
func escapeQuotes(s string) string {
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			result = append(result, '\\', '"')
		case '\\':
			result = append(result, '\\', '\\')
		case '\n', '\r':
			result = append(result, ' ')
		default:
			result = append(result, s[i])
		}
	}
	return string(result)
}

// accessLogResponseWriter wraps http.ResponseWriter to capture status code and bytes written.
type accessLogResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (w *accessLogResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *accessLogResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

// Hijack implements http.Hijacker for WebSocket support.
func (w *accessLogResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}

// Flush implements http.Flusher to support streaming responses.
func (w *accessLogResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for interface detection.
func (w *accessLogResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// identitySlot is filled by recordIdentity once authentication succeeds, so
// the access log, which wraps the auth middleware, can name the caller.
type identitySlot struct {
	subject string
}

type identitySlotKey struct{}

// recordIdentity copies the authenticated subject into the request's slot.
func recordIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slot, ok := r.Context().Value(identitySlotKey{}).(*identitySlot); ok {
			if id, ok := auth.FromContext(r.Context()); ok {
				slot.subject = id.Subject
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware returns an HTTP middleware that logs security-relevant access events.
func (a *AccessLogger) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		slot := &identitySlot{}
		r = r.WithContext(context.WithValue(r.Context(), identitySlotKey{}, slot))

		wrapped := &accessLogResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(wrapped, r)

		eventType := determineEventType(r, wrapped.statusCode)
		if eventType == "" {
			return
		}

		errorMsg := ""
		if wrapped.statusCode >= 400 {
			errorMsg = http.StatusText(wrapped.statusCode)
		}
		a.Write(LogEntry{
			Timestamp:    start,
			ClientIP:     a.clientIP(r),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   wrapped.statusCode,
			BytesWritten: wrapped.bytesWritten,
			Duration:     time.Since(start),
			UserAgent:    r.UserAgent(),
			EventType:    eventType,
			Subject:      slot.subject,
			ErrorMessage: errorMsg,
		})
	})
}

// determineEventType classifies a finished request. An empty result means
// the request is not logged.
func determineEventType(r *http.Request, statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "banned"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/bans") && r.Method != http.MethodGet:
		return "ban_change"
	case path == "/api/login-failures":
		return "login_failure_report"
	case path == "/api/policy" && r.Method == http.MethodPatch:
		return "policy_change"
	case path == "/api/scan":
		return "port_scan"
	case strings.HasPrefix(path, "/api/capture") && r.Method != http.MethodGet:
		return "capture_change"
	case path == "/api/capture/ws":
		return "capture_stream"
	}
	return ""
}
