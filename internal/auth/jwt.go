package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims understood by JWTVerifier.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes,omitempty"`
}

// JWTVerifier issues and verifies HS256 tokens.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

var _ Provider = (*JWTVerifier)(nil)

// NewJWTVerifier returns a verifier for secret.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &JWTVerifier{secret: []byte(secret), now: time.Now}, nil
}

// WithClock returns a copy of v using now for issue and expiry checks.
func (v *JWTVerifier) WithClock(now func() time.Time) *JWTVerifier {
	cp := *v
	cp.now = now
	return &cp
}

// Issue signs a token for p valid for ttl.
func (v *JWTVerifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: p.TenantID,
		Scopes:   p.ScopeStrings(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of token and returns its
// principal. Every failure wraps ErrUnauthenticated.
func (v *JWTVerifier) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token lacks tenant or subject", ErrUnauthenticated)
	}
	scopes, err := ParseScopes(claims.Scopes)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return Principal{TenantID: claims.TenantID, SubjectID: claims.Subject, Scopes: scopes}, nil
}

// Authenticate implements Provider. The credential may carry a
// "Bearer " prefix.
func (v *JWTVerifier) Authenticate(_ context.Context, credential string) (Principal, error) {
	const bearer = "Bearer "
	if len(credential) > len(bearer) && credential[:len(bearer)] == bearer {
		credential = credential[len(bearer):]
	}
	return v.Verify(credential)
}
