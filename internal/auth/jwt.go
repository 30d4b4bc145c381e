package auth

import (
	"context"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// MinSecretLen is the shortest HS256 secret accepted.
const MinSecretLen = 32

// clockSkew is tolerated on exp/nbf/iat.
const clockSkew = 30 * time.Second

// HMACVerifier accepts HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret  []byte
	issuer  string
	nowFunc func() time.Time
}

// NewHMACVerifier creates a verifier for secret. A non-empty issuer must
// match the token's iss claim.
func NewHMACVerifier(secret []byte, issuer string) (*HMACVerifier, error) {
	if len(secret) < MinSecretLen {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	return &HMACVerifier{secret: secret, issuer: issuer, nowFunc: time.Now}, nil
}

type tokenClaims struct {
	jwt.Claims
	Name string `json:"name,omitempty"`
}

func (v *HMACVerifier) Verify(_ context.Context, raw string) (Identity, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Identity{}, unauthenticated("malformed token")
	}
	var claims tokenClaims
	if err := tok.Claims(v.secret, &claims); err != nil {
		return Identity{}, unauthenticated("invalid signature")
	}
	expected := jwt.Expected{Issuer: v.issuer, Time: v.nowFunc()}
	if err := claims.ValidateWithLeeway(expected, clockSkew); err != nil {
		return Identity{}, unauthenticated("%v", err)
	}
	if claims.Expiry == nil {
		return Identity{}, unauthenticated("token has no expiry")
	}
	if claims.Subject == "" {
		return Identity{}, unauthenticated("token has no subject")
	}
	return Identity{Subject: claims.Subject, Name: claims.Name, Issuer: claims.Issuer}, nil
}

// IssueToken signs an HS256 token for subject valid for ttl. It backs the
// "bulwark token" command.
func IssueToken(secret []byte, issuer, subject, name string, ttl time.Duration) (string, error) {
	if len(secret) < MinSecretLen {
		return "", errors.New("jwt secret must be at least 32 bytes")
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := tokenClaims{
		Claims: jwt.Claims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}
