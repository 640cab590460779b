// Package auth issues and validates the HS256 bearer tokens exchanged with the remote API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer   = "postsync"
	DefaultAudience = "postsync-remote"
	DefaultSubject  = "postsync-client"
	DefaultTokenTTL = 30 * time.Minute

	refreshMargin = 30 * time.Second
)

var (
	ErrMissingSigningSecret = errors.New("token issuer: signing secret must be provided")
	ErrMissingIssuer        = errors.New("token issuer: issuer must be provided")
	ErrMissingAudience      = errors.New("token issuer: audience must be provided")
	ErrInvalidTokenTTL      = errors.New("token issuer: token ttl must be positive")
	ErrMissingSubject       = errors.New("token issuer: subject claim must be provided")
)

// TokenIssuerConfig configures the shared-secret JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	// Subject is the identity used by Token. Defaults to DefaultSubject.
	Subject  string
	TokenTTL time.Duration
	Clock    func() time.Time
}

// TokenIssuer signs tokens for outgoing requests and validates tokens on incoming ones. Both
// sides must share the secret, issuer and audience.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	subject  string
	ttl      time.Duration
	clock    func() time.Time

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewTokenIssuer validates cfg and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, ErrInvalidTokenTTL
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = DefaultSubject
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		secret:   append([]byte(nil), cfg.SigningSecret...),
		issuer:   issuer,
		audience: audience,
		subject:  subject,
		ttl:      cfg.TokenTTL,
		clock:    clock,
	}, nil
}

// Issue produces a signed JWT for subject and its expiry.
func (i *TokenIssuer) Issue(_ context.Context, subject string) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Token returns a bearer token for the configured subject, reusing the previous one until it
// is about to expire.
func (i *TokenIssuer) Token(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cached != "" && i.clock().Add(refreshMargin).Before(i.expiresAt) {
		return i.cached, nil
	}
	signed, expiresAt, err := i.Issue(ctx, i.subject)
	if err != nil {
		return "", err
	}
	i.cached = signed
	i.expiresAt = expiresAt
	return signed, nil
}

// ValidateToken ensures the JWT is well formed, signed with the shared secret and addressed
// to the configured audience. It returns the subject.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.secret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}
