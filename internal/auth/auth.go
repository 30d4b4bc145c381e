// Package auth verifies bearer tokens on the admin API and carries the
// resulting identity through the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned for a missing, malformed or rejected token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated caller. Subject is the owner used for
// persisted blocks and capture sessions.
type Identity struct {
	Subject string `json:"subject"`
	Name    string `json:"name,omitempty"`
	Issuer  string `json:"issuer,omitempty"`
}

// Verifier turns a raw bearer token into an Identity. Every failure wraps
// ErrUnauthenticated.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Config selects a verifier.
type Config struct {
	// Mode is "jwt" or "oidc".
	Mode      string
	JWTSecret string
	Issuer    string
	ClientID  string
}

// NewVerifier builds the verifier named by cfg.Mode. OIDC discovery happens
// here, so ctx bounds the provider fetch.
func NewVerifier(ctx context.Context, cfg Config) (Verifier, error) {
	switch cfg.Mode {
	case "", "jwt":
		return NewHMACVerifier([]byte(cfg.JWTSecret), cfg.Issuer)
	case "oidc":
		return NewOIDCVerifier(ctx, cfg.Issuer, cfg.ClientID)
	}
	return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
}

type ctxKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

func unauthenticated(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthenticated, fmt.Sprintf(format, args...))
}
