package ratelimit

import (
	"encoding/json"
	"net/http"

	"github.com/inercia/bulwark/internal/netutil"
)

// SourceFunc extracts the client address of a request.
type SourceFunc func(r *http.Request) string

// RemoteAddrSource uses the connection's remote address.
func RemoteAddrSource(r *http.Request) string {
	return netutil.HostFromAddr(r.RemoteAddr)
}

type bannedResponse struct {
	Banned bool   `json:"banned"`
	Error  string `json:"error"`
}

// Middleware checks every request. The request that crosses the threshold
// gets 429 and requests from a banned source get 403, both with
// {"banned": true}.
func (l *Limiter) Middleware(source SourceFunc) func(http.Handler) http.Handler {
	if source == nil {
		source = RemoteAddrSource
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Check(r.Context(), Request{
				Source: source(r),
				Path:   r.URL.Path,
				Method: r.Method,
			})
			switch d.Verdict {
			case Breach:
				writeBanned(w, http.StatusTooManyRequests, "rate limit exceeded")
			case Banned:
				writeBanned(w, http.StatusForbidden, "banned")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func writeBanned(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(bannedResponse{Banned: true, Error: msg})
}
