// Package security provides the token service used to carry a caller's
// identity across queue persistence and the wire. The queue engine stores a
// freshly issued token in the message's SecurityToken header at enqueue time
// and reconstitutes the principal by validating the token on dequeue; it
// never inspects the principal's structure.
package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates a token that failed signature or format
	// validation.
	ErrInvalidToken = errors.New("invalid security token")
	// ErrTokenExpired indicates a structurally valid token past its expiry.
	ErrTokenExpired = errors.New("security token has expired")
	// ErrMissingSigningKey indicates a token service configured without a key.
	ErrMissingSigningKey = errors.New("signing key must not be empty")
)

// Principal is the identity attached to a message at enqueue time.
type Principal struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

// IsInRole reports whether the principal carries the named role.
func (p *Principal) IsInRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenService issues and validates opaque security tokens.
type TokenService interface {
	// Issue returns a token carrying the principal, expiring at expiresAt.
	// A zero expiresAt produces a non-expiring token. A nil principal
	// yields an empty token.
	Issue(ctx context.Context, principal *Principal, expiresAt time.Time) (string, error)

	// Validate returns the principal carried by the token. An empty token
	// validates to a nil principal.
	Validate(ctx context.Context, token string) (*Principal, error)
}

type principalClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTTokenService is a TokenService backed by HS256-signed JSON web tokens.
type JWTTokenService struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// JWTOption customizes a JWTTokenService.
type JWTOption func(*JWTTokenService)

// WithIssuer sets the iss claim stamped on issued tokens.
func WithIssuer(issuer string) JWTOption {
	return func(s *JWTTokenService) { s.issuer = issuer }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) JWTOption {
	return func(s *JWTTokenService) { s.now = now }
}

// NewJWTTokenService creates a token service signing with the given key.
func NewJWTTokenService(signingKey []byte, opts ...JWTOption) (*JWTTokenService, error) {
	if len(signingKey) == 0 {
		return nil, ErrMissingSigningKey
	}
	s := &JWTTokenService{key: signingKey, issuer: "platibus", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue implements TokenService.
func (s *JWTTokenService) Issue(_ context.Context, principal *Principal, expiresAt time.Time) (string, error) {
	if principal == nil {
		return "", nil
	}
	claims := principalClaims{
		Roles: principal.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  principal.Name,
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
	}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing security token: %w", err)
	}
	return signed, nil
}

// Validate implements TokenService.
func (s *JWTTokenService) Validate(_ context.Context, tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, nil
	}
	var claims principalClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %q", ErrInvalidToken, t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return &Principal{Name: claims.Subject, Roles: claims.Roles}, nil
}

// NoopTokenService issues empty tokens and validates every token to a nil
// principal. It is the default when the bus is configured without security.
type NoopTokenService struct{}

// Issue implements TokenService.
func (NoopTokenService) Issue(context.Context, *Principal, time.Time) (string, error) {
	return "", nil
}

// Validate implements TokenService.
func (NoopTokenService) Validate(context.Context, string) (*Principal, error) {
	return nil, nil
}
