// Package identity maps bearer tokens to account ids.
//
// Tokens are HS256 JWTs whose subject claim is the account id. The same
// package mints tokens for local development through `cybv token`.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/cybv-network/cybv/internal/domain"
)

// Config configures token validation.
type Config struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Resolver validates tokens and returns their subject.
type Resolver struct {
	cfg    Config
	secret []byte
	now    func() time.Time
}

// NewResolver creates a resolver. An empty secret is refused so a
// misconfigured daemon cannot accept unsigned identities.
func NewResolver(cfg Config) (*Resolver, error) {
	secret := []byte(strings.TrimSpace(cfg.Secret))
	if len(secret) == 0 {
		return nil, errors.New("identity: secret not configured")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Resolver{cfg: cfg, secret: secret, now: time.Now}, nil
}

// SetNow overrides the clock (for testing).
func (r *Resolver) SetNow(fn func() time.Time) { r.now = fn }

// Resolve returns the account id carried by token, or a rejection wrapping
// domain.ErrUnauthenticated.
func (r *Resolver) Resolve(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", domain.Reject(domain.ErrUnauthenticated, "reason", "missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(r.cfg.ClockSkew),
		jwt.WithTimeFunc(r.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if r.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.cfg.Issuer))
	}
	if r.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(r.cfg.Audience))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	}, opts...)
	if err != nil {
		return "", domain.Reject(domain.ErrUnauthenticated, "reason", err.Error())
	}
	if claims.Subject == "" {
		return "", domain.Reject(domain.ErrUnauthenticated, "reason", "token has no subject")
	}
	return claims.Subject, nil
}

// Mint signs a token for accountID valid for ttl.
func (r *Resolver) Mint(accountID string, ttl time.Duration) (string, error) {
	if accountID == "" {
		return "", errors.New("identity: account id required")
	}
	now := r.now()
	claims := jwt.RegisteredClaims{
		Subject:   accountID,
		Issuer:    r.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if r.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{r.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
