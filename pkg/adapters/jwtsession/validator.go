// Package jwtsession validates remote notification sessions carried as signed JWTs.
package jwtsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotConfigured is returned when the validator has no signing key.
var ErrNotConfigured = errors.New("jwt session validator is not configured")

// Validator implements notify.SessionValidator over HS256 tokens. The session
// subject is the token's sub claim.
type Validator struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

// Option configures the Validator.
type Option func(*Validator)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) Option {
	return func(v *Validator) { v.issuer = iss }
}

// WithAudience requires the aud claim to contain aud.
func WithAudience(aud string) Option {
	return func(v *Validator) { v.audience = aud }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New creates a validator for tokens signed with key.
func New(key []byte, opts ...Option) *Validator {
	v := &Validator{key: key, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateSession verifies the signature and the registered claims of session.
func (v *Validator) ValidateSession(_ context.Context, session string) (string, error) {
	if len(v.key) == 0 {
		return "", ErrNotConfigured
	}
	session = strings.TrimSpace(strings.TrimPrefix(session, "Bearer "))
	if session == "" {
		return "", errors.New("session is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(session, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("parse session: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("session has no subject")
	}
	return claims.Subject, nil
}

// Issue signs a session for subject valid for ttl.
func (v *Validator) Issue(subject string, ttl time.Duration) (string, error) {
	if len(v.key) == 0 {
		return "", ErrNotConfigured
	}
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
